package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/metrics"
)

// Probe is the monitor's view of a connection. Probe sends a ping and
// clears the connection's alive flag; it reports false when the
// previous ping went unanswered. The flag is set again by the
// transport's pong handler.
type Probe interface {
	Probe() bool
	Kill()
}

// Monitor kills connections that stop answering pings. This catches
// half-open transports neither the OS nor the application layer would
// otherwise notice. A killed connection goes through the same close
// path as any other disconnect.
type Monitor struct {
	mu     sync.Mutex
	probes map[Probe]struct{}

	every time.Duration
	met   *metrics.Metrics
}

func NewMonitor(every time.Duration, met *metrics.Metrics) *Monitor {
	return &Monitor{
		probes: make(map[Probe]struct{}),
		every:  every,
		met:    met,
	}
}

func (m *Monitor) Track(p Probe) {
	m.mu.Lock()
	m.probes[p] = struct{}{}
	m.mu.Unlock()
}

func (m *Monitor) Forget(p Probe) {
	m.mu.Lock()
	delete(m.probes, p)
	m.mu.Unlock()
}

// Sweep probes every tracked connection once. Exported for tests; Run
// calls it on the ticker.
func (m *Monitor) Sweep() {
	m.mu.Lock()
	snapshot := make([]Probe, 0, len(m.probes))
	for p := range m.probes {
		snapshot = append(snapshot, p)
	}
	m.mu.Unlock()

	for _, p := range snapshot {
		if p.Probe() {
			continue
		}
		log.Warn().Str("module", "app.liveness").Msg("connection missed ping, terminating")
		m.met.LivenessKills.Inc()
		m.Forget(p)
		p.Kill()
	}
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.liveness").Msg("monitor stopped")
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
