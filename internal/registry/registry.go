// Package registry tracks which sessions hold which room subscriptions.
//
// All state lives in Redis so that any instance can register, inspect or
// unwind a session regardless of which instance created it. Register and
// unregister each run as one Lua script, so a failed or cancelled call leaves
// either all of its keys changed or none. No local locks are taken.
//
// A script touches session and room keys at once. Their hash tags differ, so
// the registry needs a single Redis node (or a sentinel managed primary) and
// does not run against Redis Cluster.
//
// Keys, relative to the configured prefix:
//
//	sub:{<session>}:<subscription>  string  room id
//	session:{<session>}:subs        set     subscription ids
//	session:{<session>}:user        string  owning user id
//	room:{<room>}:presence          hash    user id -> live subscription count
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKeyPrefix = "chat:"
	DefaultTimeout   = 3 * time.Second
)

// registerSub binds KEYS[1] (subscription) to room ARGV[1], indexes
// subscription ARGV[2] in the session set KEYS[2], claims session ownership
// KEYS[3] for user ARGV[3] and counts the user in presence hash KEYS[4].
// Returns the user's live count in the room, or -1 when the subscription id
// was already bound.
var registerSub = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("SETNX", KEYS[3], ARGV[3])
return redis.call("HINCRBY", KEYS[4], ARGV[3], 1)
`)

// unregisterSub removes subscription ARGV[1] when KEYS[1] still points at
// room ARGV[2], dropping one presence count of user ARGV[3] (or of the
// session owner when ARGV[3] is "0") and collecting the session once empty.
// Returns {status, user, remaining}: status 1 removed, 0 already gone, -1 room
// changed underneath. remaining is -1 when no owner is known.
var unregisterSub = redis.NewScript(`
local room = redis.call("GET", KEYS[1])
if not room then
  redis.call("SREM", KEYS[2], ARGV[1])
  if redis.call("SCARD", KEYS[2]) == 0 then
    redis.call("DEL", KEYS[2], KEYS[3])
  end
  return {0, 0, -1}
end
if room ~= ARGV[2] then
  return {-1, 0, -1}
end

local user = ARGV[3]
if user == "0" then
  user = redis.call("GET", KEYS[3]) or "0"
end

redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])

local remaining = -1
if user ~= "0" then
  remaining = redis.call("HINCRBY", KEYS[4], user, -1)
  if remaining <= 0 then
    redis.call("HDEL", KEYS[4], user)
    remaining = 0
  end
end

if redis.call("SCARD", KEYS[2]) == 0 then
  redis.call("DEL", KEYS[2], KEYS[3])
end
return {1, tonumber(user), remaining}
`)

// unregisterAttempts bounds retries when a subscription id is rebound to a
// different room between the read and the script.
const unregisterAttempts = 3

// gcSession deletes the session set and owner mapping once the set is empty.
var gcSession = redis.NewScript(`
if redis.call("SCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1], KEYS[2])
  return 1
end
return 0
`)

// Hooks receive the room presence side effects of registry changes. first
// is true when the user had no other live subscription to the room; last is
// true when the removed subscription was the user's final one.
type Hooks interface {
	OnSubscribe(ctx context.Context, userId, roomId int64, first bool)
	OnUnsubscribe(ctx context.Context, userId, roomId int64, last bool)
}

type Options struct {
	KeyPrefix string
	Timeout   time.Duration
}

type Registry struct {
	rdb     redis.UniversalClient
	log     *zap.Logger
	prefix  string
	timeout time.Duration
	hooks   Hooks
}

func New(rdb redis.UniversalClient, logger *zap.Logger, opts Options) *Registry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Registry{
		rdb:     rdb,
		log:     logger.Named("registry"),
		prefix:  opts.KeyPrefix,
		timeout: opts.Timeout,
	}
}

// SetHooks installs the presence side effects. It must be called before the
// registry is used concurrently.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

func (r *Registry) subKey(sessionId, subscriptionId string) string {
	return r.prefix + "sub:{" + sessionId + "}:" + subscriptionId
}

func (r *Registry) sessionSubsKey(sessionId string) string {
	return r.prefix + "session:{" + sessionId + "}:subs"
}

func (r *Registry) sessionUserKey(sessionId string) string {
	return r.prefix + "session:{" + sessionId + "}:user"
}

func (r *Registry) presenceKey(roomId int64) string {
	return r.prefix + "room:{" + strconv.FormatInt(roomId, 10) + "}:presence"
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// hookContext gives a hook its own budget, detached from the store call that
// triggered it.
func (r *Registry) hookContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

// RegisterSubscription binds subscriptionId on sessionId to roomId for
// userId. Calls with a missing argument are ignored. Registering a
// subscription id that is already bound is not a new registration and has
// no side effects.
func (r *Registry) RegisterSubscription(ctx context.Context, userId int64, sessionId, subscriptionId string, roomId int64) error {
	if userId <= 0 || sessionId == "" || subscriptionId == "" || roomId <= 0 {
		r.log.Warn("ignoring incomplete subscription",
			zap.Int64("user_id", userId),
			zap.String("session_id", sessionId),
			zap.String("subscription_id", subscriptionId),
			zap.Int64("room_id", roomId),
		)
		return nil
	}

	sctx, cancel := r.withTimeout(ctx)
	defer cancel()

	keys := []string{
		r.subKey(sessionId, subscriptionId),
		r.sessionSubsKey(sessionId),
		r.sessionUserKey(sessionId),
		r.presenceKey(roomId),
	}
	n, err := registerSub.Run(sctx, r.rdb, keys, roomId, subscriptionId, userId).Int64()
	if err != nil {
		return fmt.Errorf("register subscription: %w", err)
	}
	if n < 0 {
		r.log.Warn("subscription already registered",
			zap.String("session_id", sessionId),
			zap.String("subscription_id", subscriptionId),
		)
		return nil
	}

	r.log.Debug("registered subscription",
		zap.Int64("user_id", userId),
		zap.String("session_id", sessionId),
		zap.String("subscription_id", subscriptionId),
		zap.Int64("room_id", roomId),
		zap.Int64("live", n),
	)

	if r.hooks != nil {
		hctx, cancel := r.hookContext(ctx)
		defer cancel()
		r.hooks.OnSubscribe(hctx, userId, roomId, n == 1)
	}

	return nil
}

// UnregisterSubscription removes one subscription. It is idempotent: when
// the subscription is already gone only session metadata is collected.
// userId may be zero, in which case the session owner is used.
func (r *Registry) UnregisterSubscription(ctx context.Context, userId int64, sessionId, subscriptionId string) error {
	if sessionId == "" || subscriptionId == "" {
		r.log.Warn("ignoring incomplete unsubscribe",
			zap.String("session_id", sessionId),
			zap.String("subscription_id", subscriptionId),
		)
		return nil
	}

	for range unregisterAttempts {
		done, err := r.unregisterOnce(ctx, userId, sessionId, subscriptionId)
		if done || err != nil {
			return err
		}
	}

	return fmt.Errorf("unregister subscription %q: room changed %d times", subscriptionId, unregisterAttempts)
}

func (r *Registry) unregisterOnce(ctx context.Context, userId int64, sessionId, subscriptionId string) (bool, error) {
	sctx, cancel := r.withTimeout(ctx)
	defer cancel()

	sub := r.subKey(sessionId, subscriptionId)
	roomStr, err := r.rdb.Get(sctx, sub).Result()
	if errors.Is(err, redis.Nil) {
		err = unregisterSub.Run(sctx, r.rdb,
			[]string{sub, r.sessionSubsKey(sessionId), r.sessionUserKey(sessionId), r.presenceKey(0)},
			subscriptionId, "", "0").Err()
		if err != nil {
			return false, fmt.Errorf("collect subscription: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get subscription: %w", err)
	}

	roomId, err := strconv.ParseInt(roomStr, 10, 64)
	if err != nil {
		r.log.Error("corrupt subscription entry", zap.String("value", roomStr), zap.Error(err))
		_, err = r.rdb.TxPipelined(sctx, func(p redis.Pipeliner) error {
			p.Del(sctx, sub)
			p.SRem(sctx, r.sessionSubsKey(sessionId), subscriptionId)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("drop corrupt subscription: %w", err)
		}
		return true, r.collectSession(sctx, sessionId)
	}

	keys := []string{sub, r.sessionSubsKey(sessionId), r.sessionUserKey(sessionId), r.presenceKey(roomId)}
	res, err := unregisterSub.Run(sctx, r.rdb, keys, subscriptionId, roomStr, max(userId, 0)).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("unregister subscription: %w", err)
	}
	if len(res) != 3 {
		return false, fmt.Errorf("unregister subscription: unexpected reply %v", res)
	}

	status, owner, remaining := res[0], res[1], res[2]
	switch {
	case status < 0:
		return false, nil
	case status == 0:
		return true, nil
	case remaining < 0:
		r.log.Warn("no owner for session, presence left untouched", zap.String("session_id", sessionId))
		return true, nil
	}

	r.log.Debug("unregistered subscription",
		zap.Int64("user_id", owner),
		zap.String("session_id", sessionId),
		zap.String("subscription_id", subscriptionId),
		zap.Int64("room_id", roomId),
		zap.Int64("live", remaining),
	)

	if r.hooks != nil {
		hctx, cancel := r.hookContext(ctx)
		defer cancel()
		r.hooks.OnUnsubscribe(hctx, owner, roomId, remaining == 0)
	}

	return true, nil
}

// UnregisterAllBySession unwinds every subscription of sessionId. It keeps
// going when a single subscription fails and reports all failures. Calling
// it again for the same session is a no-op.
func (r *Registry) UnregisterAllBySession(ctx context.Context, userId int64, sessionId string) error {
	if sessionId == "" {
		return nil
	}

	subs, err := r.SessionSubscriptions(ctx, sessionId)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return r.collectSession(ctx, sessionId)
	}

	if userId <= 0 {
		// resolve once: the owner mapping is collected with the last subscription
		if userId, err = r.SessionUser(ctx, sessionId); err != nil {
			return err
		}
	}

	var errs []error
	for _, subId := range subs {
		if err := r.UnregisterSubscription(ctx, userId, sessionId, subId); err != nil {
			errs = append(errs, fmt.Errorf("subscription %q: %w", subId, err))
		}
	}

	return errors.Join(errs...)
}

// SessionUser returns the user that owns sessionId, or 0 if unknown.
func (r *Registry) SessionUser(ctx context.Context, sessionId string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	v, err := r.rdb.Get(ctx, r.sessionUserKey(sessionId)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get session user: %w", err)
	}

	return v, nil
}

func (r *Registry) SessionSubscriptions(ctx context.Context, sessionId string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	subs, err := r.rdb.SMembers(ctx, r.sessionSubsKey(sessionId)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session subscriptions: %w", err)
	}

	return subs, nil
}

// RoomPresence maps each present user to their live subscription count.
func (r *Registry) RoomPresence(ctx context.Context, roomId int64) (map[int64]int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	raw, err := r.rdb.HGetAll(ctx, r.presenceKey(roomId)).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}

	out := make(map[int64]int64, len(raw))
	for k, v := range raw {
		userId, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[userId] = n
	}

	return out, nil
}

func (r *Registry) IsPresent(ctx context.Context, roomId, userId int64) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.rdb.HExists(ctx, r.presenceKey(roomId), strconv.FormatInt(userId, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}

	return ok, nil
}

func (r *Registry) collectSession(ctx context.Context, sessionId string) error {
	err := gcSession.Run(ctx, r.rdb,
		[]string{r.sessionSubsKey(sessionId), r.sessionUserKey(sessionId)}).Err()
	if err != nil {
		return fmt.Errorf("collect session: %w", err)
	}

	return nil
}
