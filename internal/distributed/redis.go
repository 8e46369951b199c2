package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

// Redis is the multi-instance State.
//
// Keys (under Options.Prefix):
//
//	conn:{id}               hash, expires after ConnectionTTL without heartbeat
//	instance:{id}           heartbeat marker, expires after HeartbeatTTL
//	instance:{id}:conns     set of connection ids owned by the instance
//	instances               set of instance ids that may own connections
//	session:{id}:members    zset of connection ids scored by connectedAt ms
//	session:{id}:leader     leader connection id
//	session:{id}:order      hash of connection id to join sequence
//	session:{id}:seq        last join sequence handed out
//	session:{id}:state      hash with board, version, queue, current
//
// Scripts reach connection keys they build from a prefix, so every key must
// live on one Redis node.
type Redis struct {
	client     redis.UniversalClient
	instanceID string
	opts       Options
	logger     *zap.Logger
}

func NewRedis(client redis.UniversalClient, instanceID string, opts Options, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:     client,
		instanceID: instanceID,
		opts:       opts.withDefaults(),
		logger:     logger.Named("distributed"),
	}
}

func (r *Redis) InstanceID() string { return r.instanceID }

func (r *Redis) connPrefix() string            { return r.opts.Prefix + "conn:" }
func (r *Redis) connKey(id string) string      { return r.connPrefix() + id }
func (r *Redis) instanceKey(id string) string  { return r.opts.Prefix + "instance:" + id }
func (r *Redis) ownedKey(id string) string     { return r.opts.Prefix + "instance:" + id + ":conns" }
func (r *Redis) instancesKey() string          { return r.opts.Prefix + "instances" }
func (r *Redis) membersKey(sid string) string  { return r.opts.Prefix + "session:" + sid + ":members" }
func (r *Redis) leaderKey(sid string) string   { return r.opts.Prefix + "session:" + sid + ":leader" }
func (r *Redis) stateKey(sid string) string    { return r.opts.Prefix + "session:" + sid + ":state" }
func (r *Redis) orderKey(sid string) string    { return r.opts.Prefix + "session:" + sid + ":order" }
func (r *Redis) seqKey(sid string) string      { return r.opts.Prefix + "session:" + sid + ":seq" }
func (r *Redis) ttlArg(d time.Duration) string { return strconv.FormatInt(int64(d/time.Second), 10) }

func (r *Redis) RegisterConnection(ctx context.Context, conn Connection) error {
	if conn.InstanceID == "" {
		conn.InstanceID = r.instanceID
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.connKey(conn.ID),
			"id", conn.ID,
			"instance", conn.InstanceID,
			"session", "",
			"user", conn.UserID,
			"username", conn.Username,
			"avatar", conn.AvatarURL,
			"leader", "0",
			"connectedAt", conn.ConnectedAt.UnixMilli(),
		)
		p.Expire(ctx, r.connKey(conn.ID), r.opts.ConnectionTTL)
		p.SAdd(ctx, r.ownedKey(conn.InstanceID), conn.ID)
		p.SAdd(ctx, r.instancesKey(), conn.InstanceID)
		p.Set(ctx, r.instanceKey(conn.InstanceID), time.Now().UnixMilli(), r.opts.HeartbeatTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register connection %s: %w", conn.ID, err)
	}
	return nil
}

func (r *Redis) GetConnection(ctx context.Context, connID string) (Connection, error) {
	fields, err := r.client.HGetAll(ctx, r.connKey(connID)).Result()
	if err != nil {
		return Connection{}, fmt.Errorf("load connection %s: %w", connID, err)
	}
	if len(fields) == 0 {
		return Connection{}, ErrConnectionNotFound
	}
	return parseConnection(fields), nil
}

func (r *Redis) UpdateConnection(ctx context.Context, connID, username, avatarURL string) (Connection, error) {
	ok, err := updateConnScript.Run(ctx, r.client, []string{r.connKey(connID)}, username, avatarURL).Int()
	if err != nil {
		return Connection{}, fmt.Errorf("update connection %s: %w", connID, err)
	}
	if ok == 0 {
		return Connection{}, ErrConnectionNotFound
	}
	return r.GetConnection(ctx, connID)
}

func (r *Redis) RemoveConnection(ctx context.Context, connID string) (*LeaveResult, error) {
	conn, err := r.GetConnection(ctx, connID)
	if errors.Is(err, ErrConnectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete first so the election never picks the departing connection.
	if err := r.client.Del(ctx, r.connKey(connID)).Err(); err != nil {
		return nil, fmt.Errorf("remove connection %s: %w", connID, err)
	}
	var res *LeaveResult
	if conn.SessionID != "" {
		res = r.transfer(ctx, conn)
	}
	if err := r.client.SRem(ctx, r.ownedKey(conn.InstanceID), connID).Err(); err != nil {
		r.logger.Warn("failed to drop connection from instance set",
			zap.String("connection_id", connID), zap.Error(err))
	}
	return res, nil
}

func (r *Redis) JoinSession(ctx context.Context, connID, sessionID string) (bool, error) {
	conn, err := r.GetConnection(ctx, connID)
	if err != nil {
		return false, err
	}
	if conn.SessionID != "" && conn.SessionID != sessionID {
		return false, alreadyInSession(connID, conn.SessionID)
	}

	joined, err := joinScript.Run(ctx, r.client,
		[]string{r.membersKey(sessionID), r.orderKey(sessionID), r.seqKey(sessionID), r.connKey(connID)},
		connID, conn.ConnectedAt.UnixMilli(), r.ttlArg(r.opts.ConnectionTTL), sessionID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("join session %s: %w", sessionID, err)
	}
	if joined == -1 {
		return false, ErrConnectionNotFound
	}

	res, err := claimScript.Run(ctx, r.client,
		[]string{r.leaderKey(sessionID), r.connKey(connID), r.membersKey(sessionID)},
		connID, r.connPrefix(), r.ttlArg(r.opts.ConnectionTTL),
	).Int()
	if err != nil {
		r.degrade(ctx, sessionID, "claim", err)
		return false, nil
	}
	switch res {
	case -1:
		// The key expired between the read above and the claim.
		_ = r.client.ZRem(ctx, r.membersKey(sessionID), connID).Err()
		_ = r.client.HDel(ctx, r.orderKey(sessionID), connID).Err()
		return false, ErrConnectionNotFound
	case 1:
		metrics.LeaderElectionsTotal.WithLabelValues("claim").Inc()
		return true, nil
	default:
		return false, nil
	}
}

func (r *Redis) LeaveSession(ctx context.Context, connID string) (*LeaveResult, error) {
	conn, err := r.GetConnection(ctx, connID)
	if err != nil {
		return nil, err
	}
	if conn.SessionID == "" {
		return nil, nil
	}
	return r.transfer(ctx, conn), nil
}

// transfer runs TransferIfMatches for a departing connection. A script
// failure is logged and degrades to removing the member and clearing the
// leader key, so the next join claims leadership.
func (r *Redis) transfer(ctx context.Context, conn Connection) *LeaveResult {
	sid := conn.SessionID
	res := &LeaveResult{ConnectionID: conn.ID, SessionID: sid, UserID: conn.UserID}

	vals, err := transferScript.Run(ctx, r.client,
		[]string{r.membersKey(sid), r.leaderKey(sid), r.connKey(conn.ID), r.orderKey(sid)},
		conn.ID, r.connPrefix(), r.ttlArg(r.opts.ConnectionTTL),
	).Slice()
	if err == nil && len(vals) == 3 {
		res.WasLeader = toInt64(vals[0]) == 1
		res.NewLeaderID, _ = vals[1].(string)
		res.Remaining = int(toInt64(vals[2]))
		if res.NewLeaderID != "" {
			metrics.LeaderElectionsTotal.WithLabelValues("transfer").Inc()
		}
		return res
	}
	if err == nil {
		err = fmt.Errorf("unexpected transfer reply %v", vals)
	}

	_ = r.client.ZRem(ctx, r.membersKey(sid), conn.ID).Err()
	_ = r.client.HDel(ctx, r.orderKey(sid), conn.ID).Err()
	_ = r.client.HSet(ctx, r.connKey(conn.ID), "session", "", "leader", "0").Err()
	r.degrade(ctx, sid, "transfer", err)
	res.WasLeader = conn.IsLeader
	if n, cerr := r.client.ZCard(ctx, r.membersKey(sid)).Result(); cerr == nil {
		res.Remaining = int(n)
	}
	return res
}

func (r *Redis) degrade(ctx context.Context, sessionID, script string, cause error) {
	r.logger.Error("leader election script failed, clearing leader",
		zap.String("session_id", sessionID),
		zap.String("script", script),
		zap.Error(cause))
	if err := r.client.Del(ctx, r.leaderKey(sessionID)).Err(); err != nil {
		r.logger.Error("failed to clear leader key",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// EnsureLeader runs ElectFromMembers when the session's leader is missing or
// dead. A script failure degrades to clearing the leader key.
func (r *Redis) EnsureLeader(ctx context.Context, sessionID string) (string, bool, error) {
	vals, err := ensureLeaderScript.Run(ctx, r.client,
		[]string{r.membersKey(sessionID), r.leaderKey(sessionID), r.orderKey(sessionID)},
		r.connPrefix(), r.ttlArg(r.opts.ConnectionTTL),
	).Slice()
	if err == nil && len(vals) != 2 {
		err = fmt.Errorf("unexpected elect reply %v", vals)
	}
	if err != nil {
		r.degrade(ctx, sessionID, "elect", err)
		return "", false, nil
	}
	leader, _ := vals[0].(string)
	elected := toInt64(vals[1]) == 1
	if elected {
		metrics.LeaderElectionsTotal.WithLabelValues("repair").Inc()
	}
	return leader, elected, nil
}

func (r *Redis) SessionMembers(ctx context.Context, sessionID string) ([]Connection, error) {
	leader, err := r.client.Get(ctx, r.leaderKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load leader of %s: %w", sessionID, err)
	}

	members, err := r.loadMembers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 && !containsConn(members, leader) {
		if leader, _, err = r.EnsureLeader(ctx, sessionID); err != nil {
			return nil, err
		}
		// Dead members may have been pruned by the election.
		if members, err = r.loadMembers(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	for i := range members {
		members[i].IsLeader = members[i].ID == leader
	}
	return members, nil
}

func (r *Redis) loadMembers(ctx context.Context, sessionID string) ([]Connection, error) {
	ids, err := r.client.ZRange(ctx, r.membersKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", sessionID, err)
	}
	if len(ids) == 0 {
		return []Connection{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	var order *redis.MapStringStringCmd
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.connKey(id))
		}
		order = p.HGetAll(ctx, r.orderKey(sessionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load member connections of %s: %w", sessionID, err)
	}

	out := make([]Connection, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c := parseConnection(fields)
		if c.SessionID != sessionID {
			continue
		}
		out = append(out, c)
	}

	// ZRANGE orders equal scores by id; members list in join order instead.
	seq := func(id string) int64 {
		n, err := strconv.ParseInt(order.Val()[id], 10, 64)
		if err != nil {
			return math.MaxInt64
		}
		return n
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return seq(out[i].ID) < seq(out[j].ID)
	})
	return out, nil
}

func (r *Redis) MemberCount(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.ZCard(ctx, r.membersKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count members of %s: %w", sessionID, err)
	}
	return int(n), nil
}

func (r *Redis) IsMember(ctx context.Context, sessionID, connID string) (bool, error) {
	sid, err := r.client.HGet(ctx, r.connKey(connID), "session").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership of %s: %w", connID, err)
	}
	return sid == sessionID, nil
}

func (r *Redis) Leader(ctx context.Context, sessionID string) (string, error) {
	leader, err := r.client.Get(ctx, r.leaderKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load leader of %s: %w", sessionID, err)
	}
	return leader, nil
}

func (r *Redis) LoadSession(ctx context.Context, sessionID string) (*SessionState, error) {
	fields, err := r.client.HGetAll(ctx, r.stateKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return parseSession(sessionID, fields)
}

func (r *Redis) InitSession(ctx context.Context, s SessionState) (*SessionState, bool, error) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Queue == nil {
		s.Queue = []queue.Item{}
	}
	q, cur, err := encodeQueue(s.Queue, s.CurrentClimbQueueItem)
	if err != nil {
		return nil, false, err
	}

	created, err := initScript.Run(ctx, r.client, []string{r.stateKey(s.SessionID)},
		s.BoardPath, s.Version, q, cur,
		s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(), r.ttlArg(r.opts.SessionTTL),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("init session %s: %w", s.SessionID, err)
	}
	stored, err := r.LoadSession(ctx, s.SessionID)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (r *Redis) CompareAndSwapQueue(ctx context.Context, sessionID string, w QueueWrite) (int64, error) {
	q, cur, err := encodeQueue(w.Queue, w.Current)
	if err != nil {
		return 0, err
	}
	expected := ""
	if w.Expected != nil {
		expected = strconv.FormatInt(*w.Expected, 10)
	}
	keep := "0"
	if w.KeepCurrent {
		keep = "1"
	}

	v, err := casScript.Run(ctx, r.client, []string{r.stateKey(sessionID)},
		expected, q, cur, keep, time.Now().UnixMilli(), r.ttlArg(r.opts.SessionTTL),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("write queue of %s: %w", sessionID, err)
	}
	switch v {
	case -2:
		return 0, ErrSessionNotFound
	case -1:
		return 0, conflict(sessionID, *w.Expected)
	}
	return v, nil
}

func (r *Redis) ReapIfEmpty(ctx context.Context, sessionID string) (bool, error) {
	n, err := reapScript.Run(ctx, r.client,
		[]string{r.membersKey(sessionID), r.leaderKey(sessionID), r.stateKey(sessionID),
			r.orderKey(sessionID), r.seqKey(sessionID)},
	).Int()
	if err != nil {
		return false, fmt.Errorf("reap session %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Heartbeat marks this instance alive and extends every key its connections
// depend on. Connections whose key already expired are dropped from the
// instance set.
func (r *Redis) Heartbeat(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.ownedKey(r.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("list owned connections: %w", err)
	}

	expires := make([]*redis.BoolCmd, len(ids))
	sessions := make([]*redis.StringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.instanceKey(r.instanceID), time.Now().UnixMilli(), r.opts.HeartbeatTTL)
		p.SAdd(ctx, r.instancesKey(), r.instanceID)
		for i, id := range ids {
			expires[i] = p.Expire(ctx, r.connKey(id), r.opts.ConnectionTTL)
			sessions[i] = p.HGet(ctx, r.connKey(id), "session")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("heartbeat: %w", err)
	}

	touched := make(map[string]struct{})
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			if !expires[i].Val() {
				p.SRem(ctx, r.ownedKey(r.instanceID), id)
				continue
			}
			sid := sessions[i].Val()
			if sid == "" {
				continue
			}
			if _, ok := touched[sid]; ok {
				continue
			}
			touched[sid] = struct{}{}
			p.Expire(ctx, r.membersKey(sid), r.opts.ConnectionTTL)
			p.Expire(ctx, r.leaderKey(sid), r.opts.ConnectionTTL)
			p.Expire(ctx, r.orderKey(sid), r.opts.ConnectionTTL)
			p.Expire(ctx, r.seqKey(sid), r.opts.ConnectionTTL)
			p.Expire(ctx, r.stateKey(sid), r.opts.SessionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh session keys: %w", err)
	}
	return nil
}

func (r *Redis) ReapDeadInstances(ctx context.Context) ([]LeaveResult, error) {
	instances, err := r.client.SMembers(ctx, r.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var results []LeaveResult
	var errs error
	for _, id := range instances {
		if id == r.instanceID {
			continue
		}
		alive, err := r.client.Exists(ctx, r.instanceKey(id)).Result()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if alive == 1 {
			continue
		}
		// Only the instance that removes the entry reaps it.
		claimed, err := r.client.SRem(ctx, r.instancesKey(), id).Result()
		if err != nil || claimed == 0 {
			errs = multierr.Append(errs, err)
			continue
		}
		r.logger.Warn("reaping dead instance", zap.String("instance_id", id))
		res, err := r.removeOwned(ctx, id)
		results = append(results, res...)
		errs = multierr.Append(errs, err)
	}
	return results, errs
}

// CleanupInstance removes every connection this instance owns, re-electing
// in each affected session, and then forgets the instance.
func (r *Redis) CleanupInstance(ctx context.Context) ([]LeaveResult, error) {
	results, errs := r.removeOwned(ctx, r.instanceID)
	errs = multierr.Append(errs, r.client.SRem(ctx, r.instancesKey(), r.instanceID).Err())
	errs = multierr.Append(errs, r.client.Del(ctx, r.instanceKey(r.instanceID)).Err())
	return results, errs
}

func (r *Redis) removeOwned(ctx context.Context, instanceID string) ([]LeaveResult, error) {
	ids, err := r.client.SMembers(ctx, r.ownedKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections of %s: %w", instanceID, err)
	}

	conns := make([]Connection, 0, len(ids))
	for _, id := range ids {
		c, err := r.GetConnection(ctx, id)
		if err != nil {
			continue
		}
		conns = append(conns, c)
	}

	var errs error
	// Delete every owned connection before electing so no departing peer wins.
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.connKey(id)
		}
		errs = multierr.Append(errs, r.client.Del(ctx, keys...).Err())
	}

	var results []LeaveResult
	for _, c := range conns {
		if c.SessionID == "" {
			continue
		}
		results = append(results, *r.transfer(ctx, c))
	}
	if err := r.client.Del(ctx, r.ownedKey(instanceID)).Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		r.logger.Warn("instance cleanup incomplete",
			zap.String("instance_id", instanceID), zap.Error(errs))
	}
	return results, errs
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func parseConnection(f map[string]string) Connection {
	ms, _ := strconv.ParseInt(f["connectedAt"], 10, 64)
	return Connection{
		ID:          f["id"],
		InstanceID:  f["instance"],
		SessionID:   f["session"],
		UserID:      f["user"],
		Username:    f["username"],
		AvatarURL:   f["avatar"],
		IsLeader:    f["leader"] == "1",
		ConnectedAt: time.UnixMilli(ms),
	}
}

func parseSession(sessionID string, f map[string]string) (*SessionState, error) {
	s := &SessionState{SessionID: sessionID, BoardPath: f["board"]}
	s.Version, _ = strconv.ParseInt(f["version"], 10, 64)
	s.Queue = []queue.Item{}
	if q := f["queue"]; q != "" {
		if err := json.Unmarshal([]byte(q), &s.Queue); err != nil {
			return nil, fmt.Errorf("decode queue of %s: %w", sessionID, err)
		}
	}
	if cur := f["current"]; cur != "" && cur != "null" {
		var item queue.Item
		if err := json.Unmarshal([]byte(cur), &item); err != nil {
			return nil, fmt.Errorf("decode current climb of %s: %w", sessionID, err)
		}
		s.CurrentClimbQueueItem = &item
	}
	created, _ := strconv.ParseInt(f["createdAt"], 10, 64)
	updated, _ := strconv.ParseInt(f["updatedAt"], 10, 64)
	s.CreatedAt = time.UnixMilli(created)
	s.UpdatedAt = time.UnixMilli(updated)
	return s, nil
}

func encodeQueue(items []queue.Item, current *queue.Item) (string, string, error) {
	if items == nil {
		items = []queue.Item{}
	}
	q, err := json.Marshal(items)
	if err != nil {
		return "", "", fmt.Errorf("encode queue: %w", err)
	}
	cur := ""
	if current != nil {
		b, err := json.Marshal(current)
		if err != nil {
			return "", "", fmt.Errorf("encode current climb: %w", err)
		}
		cur = string(b)
	}
	return string(q), cur, nil
}

func containsConn(conns []Connection, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range conns {
		if c.ID == id {
			return true
		}
	}
	return false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
