package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/monitor"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx      context.Context
	registry *monitor.Registry
	store    *db.Store
	hub      *broadcast.Hub
	analyzer *monitor.Analyzer
	upgrader websocket.Upgrader
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps, cors *corsConfig) *Handlers {
	return &Handlers{
		ctx:      ctx,
		registry: deps.Registry,
		store:    deps.Store,
		hub:      deps.Hub,
		analyzer: deps.Analyzer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cors.allows(r.Header.Get("Origin"))
			},
		},
	}
}
