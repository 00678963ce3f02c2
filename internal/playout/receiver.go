package playout

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

// Receiver feeds a Scheduler from raw websocket traffic on the viewer
// endpoint: binary messages become scheduled frames, status messages
// that end a stream reset the timing anchor.
type Receiver struct {
	sched *Scheduler
}

func NewReceiver(sched *Scheduler) *Receiver {
	return &Receiver{sched: sched}
}

// OnBinary handles one binary websocket message. Frames that do not
// parse are dropped; the stream keeps going.
func (r *Receiver) OnBinary(data []byte) {
	f, err := protocol.ParseAudioFrame(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "playout").Msg("bad frame dropped")
		return
	}
	r.sched.Enqueue(f)
}

// OnText handles one JSON status message. Stream-ending statuses reset
// the scheduler so the next frame re-anchors timing.
func (r *Receiver) OnText(data []byte) {
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	switch ev.Type {
	case protocol.StatusStopped, protocol.StatusAgentDisconnected, protocol.StatusSessionExpired:
		r.sched.Reset()
	}
}
