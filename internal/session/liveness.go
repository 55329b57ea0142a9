package session

import "time"

// monitorLiveness sends a heartbeat every ping interval and closes the
// session if some heartbeat gets no reply within the pong timeout.
//
// Heartbeats keep their cadence regardless of the pong timeout. Any reply
// received after a heartbeat was sent answers it, so a pong timeout longer
// than the interval leaves several heartbeats outstanding at once.
//
// A robot that has never replied is only judged after the first heartbeat,
// so a silent robot is closed between PingInterval and
// PingInterval+PongTimeout after connecting.
func (s *Session) monitorLiveness() {
	defer close(s.livenessDone)

	interval := s.m.cfg.PingInterval
	timeout := s.m.cfg.PongTimeout

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// outstanding holds send offsets of unanswered heartbeats, oldest first.
	var outstanding []int64
	var deadline *time.Timer
	var expired <-chan time.Time
	defer func() {
		if deadline != nil {
			deadline.Stop()
		}
	}()

	arm := func() {
		if len(outstanding) == 0 {
			expired = nil
			return
		}
		wait := time.Duration(outstanding[0]) + timeout - s.m.now().Sub(s.connectedAt)
		if deadline == nil {
			deadline = time.NewTimer(wait)
		} else {
			deadline.Reset(wait)
		}
		expired = deadline.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			sentAt := int64(s.m.now().Sub(s.connectedAt))
			if !s.enqueue(encodePing(s.m.now())) {
				return
			}
			outstanding = append(outstanding, sentAt)
			if expired == nil {
				arm()
			}

		case <-expired:
			expired = nil
			if s.lastPong.Load() < outstanding[0] {
				s.m.livenessTimeouts.Add(1)
				s.m.logger.Warn("robot missed heartbeat", "robot", s.uniqueID, "pong_timeout", timeout.String())
				// teardown waits for this goroutine to exit.
				go s.teardown(reasonTimeout)
				return
			}
			outstanding = s.answered(outstanding)
			arm()
		}
	}
}

// answered drops the heartbeats sent at or before the last reply.
func (s *Session) answered(outstanding []int64) []int64 {
	last := s.lastPong.Load()
	i := 0
	for i < len(outstanding) && outstanding[i] <= last {
		i++
	}
	return outstanding[i:]
}
