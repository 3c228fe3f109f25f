package flow

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/interrupt"
	"github.com/normanking/voicecore/internal/metrics"
)

// Scheduler runs the manager's periodic jobs: the inactivity sweep and
// the silence poll.
type Scheduler struct {
	cron    *cron.Cron
	manager *Manager
}

// NewScheduler creates a scheduler for m.
func NewScheduler(m *Manager) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		manager: m,
	}
	s.schedule("inactivity sweep", m.cfg.SweepInterval, func() { m.SweepInactive() })
	s.schedule("silence poll", m.cfg.SilencePollInterval, func() { m.CheckSilence() })
	return s
}

func (s *Scheduler) schedule(name string, every time.Duration, job func()) {
	if _, err := s.cron.AddFunc("@every "+every.String(), job); err != nil {
		s.manager.log.Error().Err(err).Str("job", name).Msg("failed to schedule job")
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Start begins the periodic inactivity sweep and silence poll.
func (m *Manager) Start() {
	m.scheduler.Start()
}

// Stop halts the periodic jobs. Sessions stay registered.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

// SweepInactive ends every session idle for longer than the inactivity
// window and returns their ids. Idleness is checked again just before a
// session is removed, and sessions in the middle of a turn count as active
// and are never waited on.
func (m *Manager) SweepInactive() []string {
	cutoff := m.now().Add(-m.cfg.InactivityTimeout)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if time.Unix(0, s.lastActive.Load()).Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	var expired []string
	for _, id := range stale {
		if m.expire(id, cutoff) {
			metrics.SessionsExpired.Inc()
			expired = append(expired, id)
		}
	}
	return expired
}

// CheckSilence applies the silence timeout to listening sessions that are
// not busy and returns the turns it produced.
func (m *Manager) CheckSilence() []*TurnResult {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var results []*TurnResult
	for _, s := range sessions {
		if res := m.checkSilence(s); res != nil {
			results = append(results, res)
		}
	}
	return results
}

func (m *Manager) checkSilence(s *session) *TurnResult {
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()

	c := s.conv
	if s.closed.Load() || c.State != conversation.StateListening {
		return nil
	}
	now := m.now()
	ev := m.detector.Detect(interrupt.Signals{}, c.Snapshot(now))
	if ev == nil || ev.Kind != conversation.InterruptionSilenceTimeout {
		return nil
	}

	res := &TurnResult{SessionID: c.SessionID, PreviousState: c.State}
	m.interrupt(s, ev, now, res)
	res.State = c.State
	s.publish(now)
	return res
}
