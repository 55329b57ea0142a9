// Package broadcast coalesces robot state updates for dashboard clients.
//
// Every inbound state report overwrites its robot's entry in a shared
// latest-value map. Once per interval the Coalescer publishes the whole map,
// sorted by device id, as a single "robot.states" event to the
// frontend_updates group. Dashboards therefore see the latest state of each
// robot, not every state; full history lives in the snapshot store.
//
// A failed publish leaves the map untouched so the same entries go out on
// the next tick. A successful publish removes only entries that were not
// overwritten while the publish was in flight.
package broadcast
