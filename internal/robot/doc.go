// Package robot holds the identity records of connected robots and their
// persisted state history.
//
// A Robot is addressed only by its UniqueID, assigned by the robot itself
// and immutable. DisplayID and Owner start unset and are filled in from the
// robot's own state reports; once set they are never overwritten by a
// robot, so operator-assigned metadata survives reconnects.
//
// The Registry is the entry point for sessions:
//
//	reg := robot.NewRegistry(robots, principals)
//	r, created, err := reg.RegisterIfAbsent(ctx, "r1", "", "")
//	changed, err := reg.ApplyUpdate(ctx, "r1", "rover-7", "alice")
//
// SnapshotStore persists buffered state snapshots in one transaction per
// batch.
package robot
