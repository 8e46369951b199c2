package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/resolver"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

// client is one socket. Requests are handled one at a time on the read
// loop; the write loop owns the socket's write side.
type client struct {
	id       string
	who      identity.Identity
	conn     *websocket.Conn
	resolver *resolver.Resolver
	out      chan types.ServerMessage
	logger   *zap.Logger

	mu        sync.Mutex
	subs      map[string]func()
	sessionID string
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var cm types.ClientMessage
		if typ != websocket.MessageText || json.Unmarshal(data, &cm) != nil {
			c.send(ctx, errorMessage("", apperr.Validation("bad json")))
			continue
		}

		result, after, err := c.dispatch(ctx, cm)
		if err != nil {
			if apperr.GetCode(err) == apperr.CodeUnknown || apperr.IsCode(err, apperr.CodeInternal) {
				c.logger.Error("request failed", zap.String("type", cm.Type), zap.Error(err))
			}
			c.send(ctx, errorMessage(cm.ID, err))
			continue
		}
		c.send(ctx, types.ServerMessage{Type: TypeResult, ID: cm.ID, Payload: result})
		if after != nil {
			after()
		}
	}
}

func (c *client) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			wcancel()
			if err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (c *client) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (c *client) send(ctx context.Context, msg types.ServerMessage) bool {
	select {
	case c.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch runs one request. after, when set, runs once the result frame
// is queued so subscription events never overtake it.
func (c *client) dispatch(ctx context.Context, cm types.ClientMessage) (result any, after func(), err error) {
	switch cm.Type {
	case resolver.OpJoinSession:
		p, err := decode[room.JoinRequest](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.JoinSession(ctx, c.id, p)
		if err != nil {
			return nil, nil, err
		}
		c.enterSession(res.SessionID)
		return res, nil, nil

	case resolver.OpCreateSession:
		p, err := decode[room.CreateRequest](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.CreateSession(ctx, c.id, c.who, p)
		if err != nil {
			return nil, nil, err
		}
		c.enterSession(res.SessionID)
		return res, nil, nil

	case resolver.OpLeaveSession:
		if err := c.resolver.LeaveSession(ctx, c.id); err != nil {
			return nil, nil, err
		}
		c.enterSession("")
		return okResult{OK: true}, nil, nil

	case resolver.OpUpdateUsername:
		p, err := decode[updateUsernamePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		user, err := c.resolver.UpdateUsername(ctx, c.id, p.Username, p.AvatarURL)
		return user, nil, err

	case resolver.OpAddQueueItem:
		p, err := decode[addItemPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.AddQueueItem(ctx, c.id, p.Item, p.Position)
		return res, nil, err

	case resolver.OpRemoveQueueItem:
		p, err := decode[uuidPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.RemoveQueueItem(ctx, c.id, p.UUID)
		return res, nil, err

	case resolver.OpReorderQueueItem:
		p, err := decode[reorderPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.ReorderQueueItem(ctx, c.id, p.UUID, p.OldIndex, p.NewIndex)
		return res, nil, err

	case resolver.OpSetCurrentClimb:
		p, err := decode[setCurrentPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.SetCurrentClimb(ctx, c.id, p.Item, p.ShouldAddToQueue)
		return res, nil, err

	case resolver.OpMirrorCurrentClimb:
		p, err := decode[mirrorPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.MirrorCurrentClimb(ctx, c.id, p.Mirrored)
		return res, nil, err

	case resolver.OpReplaceQueueItem:
		p, err := decode[replacePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.ReplaceQueueItem(ctx, c.id, p.UUID, p.Item)
		return res, nil, err

	case resolver.OpSetQueue:
		p, err := decode[setQueuePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		res, err := c.resolver.SetQueue(ctx, c.id, p.Queue, p.CurrentClimbQueueItem)
		return res, nil, err

	case OpGetQueueState:
		st, err := c.resolver.GetQueueState(ctx, c.id)
		return st, nil, err

	case OpGetSessionUsers:
		users, err := c.resolver.GetSessionUsers(ctx, c.id)
		return users, nil, err

	case OpFindNearby:
		p, err := decode[nearbyPayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		found, err := c.resolver.FindNearbySessions(ctx, p.Latitude, p.Longitude, p.RadiusMeters)
		return found, nil, err

	case OpGetUserSessions:
		found, err := c.resolver.GetUserSessions(ctx, c.who)
		return found, nil, err

	case OpSubscribeQueue:
		p, err := decode[subscribePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		stream, err := c.resolver.QueueUpdates(ctx, c.id, p.SessionID)
		if err != nil {
			return nil, nil, err
		}
		subID := c.addSubscription(cm.ID, stream.Close)
		return subscribedResult{SubscriptionID: subID}, func() {
			go pump(ctx, c, subID, stream.Next)
		}, nil

	case OpSubscribeSession:
		p, err := decode[subscribePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		stream, err := c.resolver.SessionUpdates(ctx, c.id, p.SessionID)
		if err != nil {
			return nil, nil, err
		}
		subID := c.addSubscription(cm.ID, stream.Close)
		return subscribedResult{SubscriptionID: subID}, func() {
			go pump(ctx, c, subID, stream.Next)
		}, nil

	case OpUnsubscribe:
		p, err := decode[unsubscribePayload](cm.Payload)
		if err != nil {
			return nil, nil, err
		}
		if !c.removeSubscription(p.SubscriptionID) {
			return nil, nil, apperr.NotFound("subscription %s not found", p.SubscriptionID)
		}
		return okResult{OK: true}, nil, nil
	}

	return nil, nil, apperr.Validation("unknown message type %q", cm.Type)
}

// pump forwards stream events until the stream is closed or the socket goes.
func pump[T any](ctx context.Context, c *client, subID string, next func(context.Context) (T, error)) {
	for {
		ev, err := next(ctx)
		if err != nil {
			return
		}
		if !c.send(ctx, types.ServerMessage{Type: TypeEvent, ID: subID, Payload: ev}) {
			return
		}
	}
}

func (c *client) addSubscription(requestID string, closeFn func()) string {
	subID := requestID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.subs[subID]; subID == "" || taken {
		subID = uuid.NewString()
	}
	c.subs[subID] = closeFn
	return subID
}

func (c *client) removeSubscription(subID string) bool {
	c.mu.Lock()
	closeFn, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		closeFn()
	}
	return ok
}

func (c *client) closeSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, closeFn := range subs {
		closeFn()
	}
}

// enterSession drops subscriptions of a session the client no longer
// belongs to.
func (c *client) enterSession(sessionID string) {
	c.mu.Lock()
	changed := c.sessionID != sessionID
	c.sessionID = sessionID
	c.mu.Unlock()
	if changed {
		c.closeSubscriptions()
	}
}

func errorMessage(id string, err error) types.ServerMessage {
	code := apperr.GetCode(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	return types.ServerMessage{
		Type:  TypeError,
		ID:    id,
		Error: &types.ErrorDetail{Code: string(code), Message: apperr.Message(err)},
	}
}
