package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/core"
	"github.com/guestuser2025NL/meshaudio/internal/domain"
	"github.com/guestuser2025NL/meshaudio/internal/metrics"
	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

var (
	ErrDeviceOffline  = errors.New("device not connected")
	ErrListenerActive = errors.New("listener already active")
)

type viewerSlot struct {
	link   core.Link
	device domain.DeviceID
}

// Broker is the relay state machine. It owns the device registry, the
// viewer registry and the pairing table; every mutation plus the
// authorization check gating it happens under one write lock, so
// concurrent starts for the same device cannot double-pair.
//
// The broker never stores audio. Forwarding is a pass-through keyed by
// the pairing table, best-effort, drop on backpressure.
type Broker struct {
	mu       sync.RWMutex
	devices  map[domain.DeviceID]core.Link
	viewers  map[domain.SessionID]viewerSlot
	pairings map[domain.DeviceID]domain.SessionID

	met *metrics.Metrics
}

func NewBroker(met *metrics.Metrics) *Broker {
	return &Broker{
		devices:  make(map[domain.DeviceID]core.Link),
		viewers:  make(map[domain.SessionID]viewerSlot),
		pairings: make(map[domain.DeviceID]domain.SessionID),
		met:      met,
	}
}

// RegisterDevice installs the device link, superseding any prior
// connection for the same id (last writer wins, no handoff). A pairing
// held by the old connection is torn down and its viewer notified.
func (b *Broker) RegisterDevice(id domain.DeviceID, link core.Link) {
	b.mu.Lock()
	prev := b.devices[id]
	b.devices[id] = link
	var orphaned core.Link
	if sid, ok := b.pairings[id]; ok {
		delete(b.pairings, id)
		if slot, ok := b.viewers[sid]; ok {
			orphaned = slot.link
		}
	}
	nDev, nPair := len(b.devices), len(b.pairings)
	b.mu.Unlock()

	if prev != nil {
		b.met.Takeovers.Inc()
		log.Warn().Str("module", "app.broker").Str("device", string(id)).Msg("device takeover, terminating prior connection")
		prev.Kill()
	}
	if orphaned != nil {
		_ = orphaned.TrySend(core.Text(protocol.Event{Type: protocol.StatusAgentDisconnected}.Marshal()))
	}
	b.met.DevicesOnline.Set(float64(nDev))
	b.met.ActivePairings.Set(float64(nPair))
	log.Info().Str("module", "app.broker").Str("device", string(id)).Msg("device online")
}

// DeviceClosed handles a device connection going away. A stale link
// (already superseded by a takeover) is ignored.
func (b *Broker) DeviceClosed(id domain.DeviceID, link core.Link) {
	b.mu.Lock()
	if b.devices[id] != link {
		b.mu.Unlock()
		return
	}
	delete(b.devices, id)
	var viewer core.Link
	if sid, ok := b.pairings[id]; ok {
		delete(b.pairings, id)
		if slot, ok := b.viewers[sid]; ok {
			viewer = slot.link
		}
	}
	nDev, nPair := len(b.devices), len(b.pairings)
	b.mu.Unlock()

	// The viewer stays connected; it just learns the stream is gone.
	if viewer != nil {
		_ = viewer.TrySend(core.Text(protocol.Event{Type: protocol.StatusAgentDisconnected}.Marshal()))
	}
	b.met.DevicesOnline.Set(float64(nDev))
	b.met.ActivePairings.Set(float64(nPair))
	log.Info().Str("module", "app.broker").Str("device", string(id)).Msg("device offline")
}

// RegisterViewer installs the viewer link for sid. A prior socket
// holding the same session is superseded and killed, mirroring the
// device takeover policy.
func (b *Broker) RegisterViewer(sid domain.SessionID, device domain.DeviceID, link core.Link) {
	b.mu.Lock()
	var prev core.Link
	if slot, ok := b.viewers[sid]; ok && slot.link != link {
		prev = slot.link
	}
	b.viewers[sid] = viewerSlot{link: link, device: device}
	n := len(b.viewers)
	b.mu.Unlock()

	if prev != nil {
		log.Warn().Str("module", "app.broker").Str("session", string(sid)).Msg("viewer takeover, terminating prior connection")
		prev.Kill()
	}
	b.met.ViewersConnected.Set(float64(n))
	log.Info().Str("module", "app.broker").Str("session", string(sid)).Str("device", string(device)).Msg("viewer connected")
}

// ViewerClosed converges on the same teardown as an explicit stop. It
// reports whether link still owned the slot; a superseded socket gets
// false and must not tear down session state it no longer holds.
func (b *Broker) ViewerClosed(sid domain.SessionID, link core.Link) bool {
	b.mu.Lock()
	slot, ok := b.viewers[sid]
	if !ok || slot.link != link {
		b.mu.Unlock()
		return false
	}
	delete(b.viewers, sid)
	device := b.stopLocked(sid, slot.device)
	nView, nPair := len(b.viewers), len(b.pairings)
	b.mu.Unlock()

	if device != nil {
		payload, _ := json.Marshal(protocol.Control{Action: protocol.ActionStop, SessionID: string(sid)})
		_ = device.TrySend(core.Text(payload))
	}
	b.met.ViewersConnected.Set(float64(nView))
	b.met.ActivePairings.Set(float64(nPair))
	log.Info().Str("module", "app.broker").Str("session", string(sid)).Msg("viewer disconnected")
	return true
}

// stopLocked clears the pairing held by sid and returns the device link
// that must be told to stop, if any. Caller holds the write lock.
func (b *Broker) stopLocked(sid domain.SessionID, device domain.DeviceID) core.Link {
	if b.pairings[device] != sid {
		return nil
	}
	delete(b.pairings, device)
	return b.devices[device]
}

// StartStream pairs sid to its device and instructs the device to
// start capturing. The offline and conflict checks happen atomically
// with the pairing write.
func (b *Broker) StartStream(device domain.DeviceID, sid domain.SessionID, mode string) error {
	b.mu.Lock()
	link, online := b.devices[device]
	if !online {
		b.mu.Unlock()
		return ErrDeviceOffline
	}
	if holder, paired := b.pairings[device]; paired && holder != sid {
		b.mu.Unlock()
		return ErrListenerActive
	}
	b.pairings[device] = sid
	n := len(b.pairings)
	b.mu.Unlock()

	b.met.ActivePairings.Set(float64(n))
	start := protocol.Control{Action: protocol.ActionStart, SessionID: string(sid), Mode: mode}
	payload, _ := json.Marshal(start)
	if err := link.TrySend(core.Text(payload)); err != nil {
		log.Warn().Err(err).Str("module", "app.broker").Str("device", string(device)).Msg("start instruction dropped")
	}
	log.Info().Str("module", "app.broker").Str("device", string(device)).Str("session", string(sid)).Str("mode", mode).Msg("stream started")
	return nil
}

// StopStream clears the pairing held by sid. Idempotent.
func (b *Broker) StopStream(sid domain.SessionID) {
	b.mu.Lock()
	slot, ok := b.viewers[sid]
	var device core.Link
	if ok {
		device = b.stopLocked(sid, slot.device)
	}
	n := len(b.pairings)
	b.mu.Unlock()

	if device != nil {
		payload, _ := json.Marshal(protocol.Control{Action: protocol.ActionStop, SessionID: string(sid)})
		_ = device.TrySend(core.Text(payload))
		log.Info().Str("module", "app.broker").Str("session", string(sid)).Msg("stream stopped")
	}
	b.met.ActivePairings.Set(float64(n))
}

// ForwardAudio relays one binary frame to the paired viewer, verbatim.
// Unpaired or non-audio frames are dropped, never queued.
func (b *Broker) ForwardAudio(device domain.DeviceID, data []byte) {
	if !protocol.IsAudio(data) {
		b.met.FramesDropped.Inc()
		return
	}
	b.mu.RLock()
	var viewer core.Link
	if sid, ok := b.pairings[device]; ok {
		if slot, ok := b.viewers[sid]; ok {
			viewer = slot.link
		}
	}
	b.mu.RUnlock()

	if viewer == nil {
		b.met.FramesDropped.Inc()
		return
	}
	if err := viewer.TrySend(core.Binary(data)); err != nil {
		b.met.FramesDropped.Inc()
		return
	}
	b.met.FramesForwarded.Inc()
	b.met.BytesForwarded.Add(float64(len(data)))
}

// ForwardStatus relays a textual device frame to the paired viewer.
func (b *Broker) ForwardStatus(device domain.DeviceID, data []byte) {
	b.mu.RLock()
	var viewer core.Link
	if sid, ok := b.pairings[device]; ok {
		if slot, ok := b.viewers[sid]; ok {
			viewer = slot.link
		}
	}
	b.mu.RUnlock()

	if viewer != nil {
		_ = viewer.TrySend(core.Text(data))
	}
}

func (b *Broker) DeviceOnline(device domain.DeviceID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.devices[device]
	return ok
}

// SessionExpired is the sweep hook: one stop to the device, one expiry
// notice to the viewer, pairing gone.
func (b *Broker) SessionExpired(sess *domain.Session) {
	b.mu.Lock()
	device := b.stopLocked(sess.ID, sess.DeviceID)
	var viewer core.Link
	if slot, ok := b.viewers[sess.ID]; ok {
		viewer = slot.link
	}
	n := len(b.pairings)
	b.mu.Unlock()

	if device != nil {
		payload, _ := json.Marshal(protocol.Control{Action: protocol.ActionStop, SessionID: string(sess.ID)})
		_ = device.TrySend(core.Text(payload))
	}
	if viewer != nil {
		_ = viewer.TrySend(core.Text(protocol.Event{Type: protocol.StatusSessionExpired}.Marshal()))
	}
	b.met.ActivePairings.Set(float64(n))
}

// Streaming reports whether sid currently holds its device's pairing.
func (b *Broker) Streaming(sid domain.SessionID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	slot, ok := b.viewers[sid]
	if !ok {
		return false
	}
	return b.pairings[slot.device] == sid
}
