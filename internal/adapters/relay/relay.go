// Package relay hosts the streaming-plane websocket endpoints: one for
// devices pushing audio, one for viewers consuming it. Each connection
// gets a read loop and a write pump; everything stateful goes through
// the broker.
package relay

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/guestuser2025NL/meshaudio/internal/app"
	"github.com/guestuser2025NL/meshaudio/internal/config"
)

const (
	deviceSendBuffer = 64
	viewerSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Cfg     *config.Config
	Broker  *app.Broker
	Store   *app.Store
	Monitor *app.Monitor
}

func NewController(cfg *config.Config, broker *app.Broker, store *app.Store, monitor *app.Monitor) *Controller {
	return &Controller{Cfg: cfg, Broker: broker, Store: store, Monitor: monitor}
}
