// Package ingest buffers robot state snapshots in memory and writes them
// to the durable store in batches.
//
// Each robot has its own ordered buffer. The Flusher drains every non-empty
// buffer on a fixed interval, one transaction per robot. A buffer reaching
// its capacity is flushed immediately, and a session's buffer is flushed
// when the session closes.
//
// A drain removes exactly the entries it wrote, and only after the write
// committed. Snapshots appended while a write is in flight stay buffered for
// the next drain; a failed write leaves the buffer untouched.
package ingest
