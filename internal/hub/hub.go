// Package hub tracks the sockets open on this instance so they can be
// counted and closed together at shutdown.
package hub

import (
	"context"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/metrics"
)

var ErrDraining = apperr.Internal(nil, "server is shutting down")

type HubMsg interface{ isHubMsg() }

// Client is a live socket. Close must be safe to call from any goroutine.
type Client struct {
	ID    string
	Close func(reason string)
}

type Register struct {
	Client Client
	Reply  chan error
}

type Unregister struct {
	ID string
}

type Count struct {
	Reply chan int
}

// Drain stops accepting clients and closes every registered one. Reply
// receives how many were closed.
type Drain struct {
	Reason string
	Reply  chan int
}

func (Register) isHubMsg()   {}
func (Unregister) isHubMsg() {}
func (Count) isHubMsg()      {}
func (Drain) isHubMsg()      {}

type Hub struct {
	inbox    chan HubMsg
	clients  map[string]Client
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		clients: make(map[string]Client),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				if h.draining {
					msg.Reply <- ErrDraining
					break
				}
				if prev, ok := h.clients[msg.Client.ID]; ok {
					prev.Close("replaced by a new connection")
				}
				h.clients[msg.Client.ID] = msg.Client
				metrics.ConnectionsActive.Set(float64(len(h.clients)))
				msg.Reply <- nil

			case Unregister:
				delete(h.clients, msg.ID)
				metrics.ConnectionsActive.Set(float64(len(h.clients)))

			case Count:
				msg.Reply <- len(h.clients)

			case Drain:
				h.draining = true
				n := len(h.clients)
				for _, c := range h.clients {
					c.Close(msg.Reason)
				}
				clear(h.clients)
				metrics.ConnectionsActive.Set(0)
				msg.Reply <- n
			}
		}
	}
}

// Register adds c unless the hub is draining.
func (h *Hub) Register(ctx context.Context, c Client) error {
	reply := make(chan error, 1)
	select {
	case h.inbox <- Register{Client: c, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrDraining
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrDraining
	}
}

func (h *Hub) Unregister(id string) {
	select {
	case h.inbox <- Unregister{ID: id}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Len() int {
	reply := make(chan int, 1)
	select {
	case h.inbox <- Count{Reply: reply}:
	case <-h.ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.ctx.Done():
		return 0
	}
}

// Drain closes every client and refuses new ones. It returns how many
// clients were closed.
func (h *Hub) Drain(ctx context.Context, reason string) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.inbox <- Drain{Reason: reason, Reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, nil
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, nil
	}
}

// Stop ends the hub loop. Pending calls return immediately afterwards.
func (h *Hub) Stop() { h.cancel() }
