package core

// Frame is a single outbound websocket message. Binary frames carry
// audio in the wire framing; text frames carry JSON control payloads.
type Frame struct {
	Binary bool
	Data   []byte
}

func Text(data []byte) Frame   { return Frame{Data: data} }
func Binary(data []byte) Frame { return Frame{Binary: true, Data: data} }

// Link is a live transport endpoint (WebSocket).
// Owned by the adapter; the adapter must Kill() it.
type Link interface {
	// TrySend enqueues a frame without blocking. A full send buffer
	// returns an error and the frame is lost, never queued elsewhere.
	TrySend(Frame) error
	// Kill tears the transport down, triggering the usual close path.
	Kill()
}
