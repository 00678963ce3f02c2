package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/domain"
	"github.com/guestuser2025NL/meshaudio/internal/metrics"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrTokenMismatch  = errors.New("token mismatch")
	ErrSessionExpired = errors.New("session expired")
)

// Store issues and validates short-lived listen sessions.
// Liveness of the target device is NOT checked here; that happens at
// pairing time in the broker.
type Store struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.Session

	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	met        *metrics.Metrics

	onExpire func(*domain.Session)
}

func NewStore(ttl, sweepEvery time.Duration, met *metrics.Metrics) *Store {
	return &Store{
		sessions:   make(map[domain.SessionID]*domain.Session),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		now:        time.Now,
		met:        met,
	}
}

// OnExpire registers the hook invoked for every session removed by the
// sweep. Called outside the store lock; must be set before Run.
func (s *Store) OnExpire(fn func(*domain.Session)) {
	s.onExpire = fn
}

func (s *Store) IssueToken(device domain.DeviceID, requester domain.RequesterID) (*domain.Session, error) {
	sess, err := domain.NewSession(device, requester, s.now().Add(s.ttl))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.met.SessionsIssued.Inc()
	s.met.ActiveSessions.Set(float64(n))
	log.Info().Str("module", "app.sessions").Str("session", string(sess.ID)).Str("device", string(device)).Time("expires_at", sess.ExpiresAt).Msg("token issued")
	return sess, nil
}

// Validate checks a presented sessionId/token pair against the store.
// All three failure modes terminate the connection attempt; they are
// logged distinctly but surfaced the same way.
func (s *Store) Validate(id domain.SessionID, token string, now time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if sess.Token != token {
		return nil, ErrTokenMismatch
	}
	if sess.Expired(now) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Remove drops a session explicitly (viewer stop or disconnect).
// Idempotent.
func (s *Store) Remove(id domain.SessionID) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.met.ActiveSessions.Set(float64(n))
}

// Sweep removes every expired session and fires the expiry hook for
// each. Safe to run concurrently with issuance and validation.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	var expired []*domain.Session
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.met.ActiveSessions.Set(float64(n))
	s.met.SessionsExpired.Add(float64(len(expired)))
	for _, sess := range expired {
		log.Info().Str("module", "app.sessions").Str("session", string(sess.ID)).Str("device", string(sess.DeviceID)).Msg("session expired")
		if s.onExpire != nil {
			s.onExpire(sess)
		}
	}
}

// Run owns the sweep ticker until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.sessions").Msg("sweeper stopped")
			return
		case <-t.C:
			s.Sweep(s.now())
		}
	}
}
