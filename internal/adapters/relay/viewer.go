package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/app"
	"github.com/guestuser2025NL/meshaudio/internal/core"
	"github.com/guestuser2025NL/meshaudio/internal/domain"
	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

// HandleViewer upgrades a viewer connection. The sessionId/token query
// pair is validated against the store before the upgrade; a rejected
// credential never gets a socket.
func (ctl *Controller) HandleViewer(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.Query("sessionId"))
	token := c.Query("token")

	sess, err := ctl.Store.Validate(sid, token, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("session", string(sid)).Msg("viewer auth rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("viewer ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	link := newLink(ws, viewerSendBuffer)
	ctx, cancel := context.WithCancel(ctx)

	ctl.Broker.RegisterViewer(sess.ID, sess.DeviceID, link)
	ctl.Monitor.Track(link)

	go link.writePump(ctx)

	online := ctl.Broker.DeviceOnline(sess.DeviceID)
	_ = link.TrySend(core.Text(protocol.Event{
		Type:         protocol.StatusViewerConnected,
		SessionID:    string(sess.ID),
		DeviceOnline: &online,
	}.Marshal()))

	go ctl.viewerReadLoop(ctx, cancel, sess, link)
}

func (ctl *Controller) viewerReadLoop(ctx context.Context, cancel context.CancelFunc, sess *domain.Session, link *wsLink) {
	defer func() {
		ctl.Monitor.Forget(link)
		link.Kill()
		cancel()
		// A superseded socket no longer owns the slot and must leave
		// the session to its successor.
		if ctl.Broker.ViewerClosed(sess.ID, link) {
			ctl.Store.Remove(sess.ID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := link.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("session", string(sess.ID)).Msg("viewer read loop closing")
				return
			}
			ctl.handleViewerControl(sess, link, data)
		}
	}
}

func (ctl *Controller) handleViewerControl(sess *domain.Session, link *wsLink, data []byte) {
	ctrl, err := protocol.ParseControl(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) {
			sendEvent(link, protocol.Event{Type: protocol.StatusError, Reason: "unknown action"})
		} else {
			log.Debug().Err(err).Str("module", "relay").Str("session", string(sess.ID)).Msg("malformed viewer frame dropped")
		}
		return
	}

	switch ctrl.Action {
	case protocol.ActionStart:
		// The session may have expired since the socket was opened;
		// starting re-checks it so a dead grant can never re-pair.
		if _, err := ctl.Store.Validate(sess.ID, sess.Token, time.Now()); err != nil {
			sendEvent(link, protocol.Event{Type: protocol.StatusSessionExpired})
			return
		}
		switch err := ctl.Broker.StartStream(sess.DeviceID, sess.ID, ctrl.Mode); {
		case errors.Is(err, app.ErrDeviceOffline):
			sendEvent(link, protocol.Event{Type: protocol.StatusDeviceOffline, Reason: "device not connected"})
		case errors.Is(err, app.ErrListenerActive):
			sendEvent(link, protocol.Event{Type: protocol.StatusListenerActive, Reason: "listener already active"})
		default:
			sendEvent(link, protocol.Event{Type: protocol.StatusStarted, Mode: ctrl.Mode})
		}
	case protocol.ActionStop:
		// Stop is terminal for the grant: the session is removed, so a
		// later start on this socket needs a freshly issued token.
		ctl.Broker.StopStream(sess.ID)
		ctl.Store.Remove(sess.ID)
		sendEvent(link, protocol.Event{Type: protocol.StatusStopped})
	case protocol.ActionStatus:
		online := ctl.Broker.DeviceOnline(sess.DeviceID)
		streaming := ctl.Broker.Streaming(sess.ID)
		sendEvent(link, protocol.Event{Type: protocol.StatusReport, DeviceOnline: &online, Streaming: &streaming})
	}
}

func sendEvent(link *wsLink, e protocol.Event) {
	if err := link.TrySend(core.Text(e.Marshal())); err != nil {
		log.Debug().Err(err).Str("module", "relay").Msg("event dropped")
	}
}
