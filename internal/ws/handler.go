// Package ws serves the client protocol over websockets: request frames
// {type, id, payload} answered by result or error frames, and event frames
// pushed for each active subscription.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/hub"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/resolver"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

const (
	writeTimeout   = 3 * time.Second
	pingInterval   = 25 * time.Second
	pingTimeout    = 10 * time.Second
	cleanupTimeout = 5 * time.Second
	readLimit      = 1 << 20
	outboxSize     = 64
)

type Deps struct {
	Resolver       *resolver.Resolver
	Rooms          *room.Manager
	Hub            *hub.Hub
	Verifier       identity.Verifier
	OriginPatterns []string
	Logger         *zap.Logger
}

func Handler(d Deps) http.HandlerFunc {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = identity.BearerToken(r.Header.Get("Authorization"))
		}
		who, err := d.Verifier.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: d.OriginPatterns,
		})
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		registered, err := d.Rooms.RegisterConnection(ctx, room.ConnectionInfo{
			UserID:   who.UserID,
			Username: who.Username,
		})
		if err != nil {
			logger.Error("failed to register connection", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "registration failed")
			return
		}

		c := &client{
			id:       registered.ID,
			who:      who,
			conn:     conn,
			resolver: d.Resolver,
			out:      make(chan types.ServerMessage, outboxSize),
			subs:     make(map[string]func()),
			logger:   logger.With(zap.String("connection_id", registered.ID)),
		}

		defer func() {
			c.closeSubscriptions()
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cleanupCancel()
			if err := d.Rooms.RemoveConnection(cleanupCtx, c.id); err != nil {
				c.logger.Warn("failed to remove connection", zap.Error(err))
			}
		}()

		err = d.Hub.Register(ctx, hub.Client{ID: c.id, Close: func(reason string) {
			go func() { _ = conn.Close(websocket.StatusGoingAway, reason) }()
		}})
		if err != nil {
			_ = conn.Close(websocket.StatusTryAgainLater, "server is shutting down")
			return
		}
		defer d.Hub.Unregister(c.id)
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c.logger.Info("client connected",
			zap.String("user_id", who.UserID),
			zap.Bool("authenticated", who.Authenticated),
			zap.String("remote", r.RemoteAddr))

		go c.writeLoop(ctx, cancel)
		go c.pingLoop(ctx, cancel)

		err = c.readLoop(ctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					c.logger.Debug("read loop ended", zap.Error(err))
				}
			}
		}
		c.logger.Info("client disconnected")
	}
}
