package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/robotlink-core/internal/robot"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory robot.SnapshotStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	rows    map[string][]robot.Snapshot
	batches int
	fail    bool
	// missing robots fail with robot.ErrRobotNotFound.
	missing map[string]bool

	// block, when set, is received from before each write completes.
	block chan struct{}
	// started is signalled when a write begins.
	started chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]robot.Snapshot)}
}

func (m *memStore) InsertBatch(_ context.Context, uniqueID string, batch []robot.Snapshot) error {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	if m.missing[uniqueID] {
		return robot.ErrRobotNotFound
	}
	m.batches++
	m.rows[uniqueID] = append(m.rows[uniqueID], batch...)
	return nil
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) setMissing(uniqueID string, missing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missing == nil {
		m.missing = make(map[string]bool)
	}
	m.missing[uniqueID] = missing
}

func (m *memStore) count(uniqueID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[uniqueID])
}

func (m *memStore) states(uniqueID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rows[uniqueID]))
	for _, s := range m.rows[uniqueID] {
		out = append(out, string(s.State))
	}
	return out
}

func snap(id string, n int) robot.Snapshot {
	return robot.Snapshot{
		RobotUniqueID: id,
		State:         json.RawMessage(fmt.Sprintf(`{"seq":%d}`, n)),
		ReceivedAt:    time.Now().UTC(),
	}
}
