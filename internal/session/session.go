package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink-core/internal/broadcast"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
	"github.com/nerrad567/robotlink-core/internal/robot"
)

// Session is one robot connection.
type Session struct {
	id          string
	uniqueID    string
	group       string
	m           *Manager
	conn        *websocket.Conn
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// send carries text frames for the write pump.
	send chan []byte

	// lastPong is the time of the last heartbeat reply as an offset from
	// connectedAt, or -1 before the first reply.
	lastPong atomic.Int64

	readerDone   chan struct{}
	livenessDone chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
}

func newSession(m *Manager, conn *websocket.Conn, rb *robot.Robot) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           newSessionID(),
		uniqueID:     rb.UniqueID,
		group:        pubsub.RobotGroup(rb.UniqueID),
		m:            m,
		conn:         conn,
		connectedAt:  m.now(),
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan []byte, m.cfg.SendBuffer),
		readerDone:   make(chan struct{}),
		livenessDone: make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.lastPong.Store(-1)
	return s
}

// ID returns the session id. It identifies the session in pub/sub groups.
func (s *Session) ID() string {
	return s.id
}

// UniqueID returns the robot's unique id.
func (s *Session) UniqueID() string {
	return s.uniqueID
}

// Deliver queues a group message for the robot. A full queue drops it.
func (s *Session) Deliver(_ string, payload []byte) {
	select {
	case <-s.done:
	case s.send <- payload:
	default:
		s.m.logger.Warn("robot send queue full, dropping message", "robot", s.uniqueID)
	}
}

// serve runs the session until the connection ends and teardown completes.
func (s *Session) serve() {
	s.m.flusher.Track(s.uniqueID)
	s.m.layer.Join(s.group, s)

	go s.writePump()
	go s.monitorLiveness()

	s.readLoop()
	s.teardown(reasonPeerGone)
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	s.conn.SetReadLimit(int64(s.m.cfg.MaxMessageSize))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.m.logger.Debug("robot read ended", "robot", s.uniqueID, "error", err)
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		s.m.malformed.Add(1)
		s.m.logger.Error("invalid data received", "robot", s.uniqueID, "error", err)
		return
	}

	switch msg.kind {
	case kindPong:
		s.lastPong.Store(int64(s.m.now().Sub(s.connectedAt)))
	case kindStateReport:
		s.handleStateReport(msg)
	}
}

// handleStateReport buffers the state, refreshes the dashboard entry and
// applies any identity update, in that order.
func (s *Session) handleStateReport(msg inbound) {
	now := s.m.now()

	s.m.flusher.Record(s.ctx, robot.Snapshot{
		RobotUniqueID: s.uniqueID,
		State:         msg.State,
		ReceivedAt:    now,
	})

	s.m.coalescer.Update(broadcast.Entry{
		DeviceID:           s.uniqueID,
		DisplayID:          labelOrUnknown(msg.DisplayID),
		Owner:              labelOrUnknown(msg.Owner),
		State:              msg.State,
		ConnectionDuration: broadcast.FormatDuration(now.Sub(s.connectedAt)),
		Timestamp:          now,
	})

	updated, err := s.m.registry.ApplyUpdate(s.ctx, s.uniqueID, msg.DisplayID, msg.Owner)
	if err != nil {
		s.m.logger.Warn("robot identity update failed", "robot", s.uniqueID, "error", err)
		return
	}
	if updated {
		if err := s.m.coalescer.PublishReload(s.ctx, s.uniqueID); err != nil {
			s.m.logger.Error("reload notification failed", "robot", s.uniqueID, "error", err)
		}
	}
}

func labelOrUnknown(v string) string {
	if p := robot.Hint(v); p != nil {
		return *p
	}
	return robot.Unknown
}

func (s *Session) writePump() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.m.logger.Debug("robot write failed", "robot", s.uniqueID, "error", err)
				go s.teardown(reasonPeerGone)
				return
			}
		}
	}
}

// enqueue blocks until frame is queued or the session ends.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// teardown ends the session once:
//  1. stop the read loop and wait for it, so no report arrives after the flush
//  2. stop the liveness monitor and write pump and wait for them
//  3. leave the robot's group
//  4. flush the robot's buffer and wait for the write
//  5. close the socket with the reason's code
//
// Concurrent and repeated calls block until the first teardown finishes.
func (s *Session) teardown(reason closeReason) {
	s.closeOnce.Do(func() {
		// Frames already buffered by the connection are still delivered;
		// the next read from the socket fails.
		s.conn.SetReadDeadline(time.Now()) //nolint:errcheck // Read loop exits on any error
		<-s.readerDone

		s.cancel()
		<-s.livenessDone
		<-s.writerDone

		s.m.layer.Leave(s.group, s.id)

		ctx, cancel := context.WithTimeout(context.Background(), teardownFlushTimeout)
		n, err := s.m.flusher.FlushRobot(ctx, s.uniqueID)
		cancel()
		if err != nil {
			s.m.logger.Error("flush on disconnect failed", "robot", s.uniqueID, "error", err)
		} else if n > 0 {
			s.m.logger.Info("flushed on disconnect", "robot", s.uniqueID, "persisted", n)
		}
		s.m.flusher.Buffer().Release(s.uniqueID)

		msg := websocket.FormatCloseMessage(reason.code, reason.text)
		err = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.m.logger.Debug("close frame not sent", "robot", s.uniqueID, "error", err)
		}
		s.conn.Close() //nolint:errcheck // Already tearing down

		if reason.err != nil {
			s.m.logger.Info("robot session closed", "robot", s.uniqueID, "code", reason.code, "reason", reason.err)
		}
		close(s.done)
	})
}
