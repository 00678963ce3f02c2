package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/domain"
)

// HandleDevice upgrades a device connection. Authentication is a
// device id plus the shared secret; the secret check is skipped when
// none is configured. A second connection for the same id supersedes
// the first.
func (ctl *Controller) HandleDevice(ctx context.Context, c *gin.Context) {
	id := domain.DeviceID(c.Query("device_id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing device_id"})
		return
	}
	if ctl.Cfg.DeviceSecret != "" {
		secret := c.Query("secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(ctl.Cfg.DeviceSecret)) != 1 {
			log.Warn().Str("module", "relay").Str("device", string(id)).Msg("device auth rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("device ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	link := newLink(ws, deviceSendBuffer)
	ctx, cancel := context.WithCancel(ctx)

	ctl.Broker.RegisterDevice(id, link)
	ctl.Monitor.Track(link)

	go link.writePump(ctx)
	go ctl.deviceReadLoop(ctx, cancel, id, link)
}

func (ctl *Controller) deviceReadLoop(ctx context.Context, cancel context.CancelFunc, id domain.DeviceID, link *wsLink) {
	defer func() {
		ctl.Monitor.Forget(link)
		link.Kill()
		cancel()
		ctl.Broker.DeviceClosed(id, link)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			mt, data, err := link.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("device", string(id)).Msg("device read loop closing")
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				ctl.Broker.ForwardAudio(id, data)
			case websocket.TextMessage:
				// Device status/error frames pass through verbatim.
				// Anything that is not JSON is dropped.
				if !json.Valid(data) {
					log.Debug().Str("module", "relay").Str("device", string(id)).Msg("malformed device frame dropped")
					continue
				}
				ctl.Broker.ForwardStatus(id, data)
			}
		}
	}
}
