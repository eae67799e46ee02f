package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/greentic/greentic-session/src/logger"
	"github.com/greentic/greentic-session/src/model"
)

// The write path runs as a single server-side script: read the current
// envelope, compare the embedded cas, and conditionally write the new
// envelope plus the user lookup key, all within one indivisible execution.
// No client ever observes a partial update. TTL is applied in the same
// script via PEXPIRE/PERSIST; the lookup key's expiry mirrors the record's.
//
// The scripts maintain the index key recorded inside the stored envelope,
// whose name is only known at runtime, so this backend targets a single
// Redis instance; Redis Cluster requires all keys declared and co-located
// up front.
//
// Reply convention: {status, cas} where status 1 = written, 0 = cas
// mismatch, -1 = not found, -2 = create conflict, -3 = user identity
// already claimed by another session.
var writeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local cas = 0
if cur then
  cas = tonumber(string.match(cur, '^{"cas":(%d+)'))
end
if ARGV[1] == 'cas' then
  if not cur then return {-1, 0} end
  if cas ~= tonumber(ARGV[2]) then return {0, cas} end
end
if ARGV[1] == 'create' then
  if cur then return {-2, cas} end
  if ARGV[5] == '1' then
    local existing = redis.call('GET', KEYS[2])
    if existing and existing ~= ARGV[6] then
      return {-3, 0}
    end
  end
end
local new = cas + 1
redis.call('SET', KEYS[1], '{"cas":' .. new .. ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
if cur then
  local old = string.match(cur, '"lookup":"(.-)"')
  if old and old ~= '' and (ARGV[5] == '0' or old ~= KEYS[2]) then
    if redis.call('GET', old) == ARGV[6] then redis.call('DEL', old) end
  end
end
if ARGV[5] == '1' then
  redis.call('SET', KEYS[2], ARGV[6])
  if ttl > 0 then
    redis.call('PEXPIRE', KEYS[2], ttl)
  else
    redis.call('PERSIST', KEYS[2])
  end
end
return {1, new}
`)

// touchScript rewrites only the envelope header, leaving the session payload
// untouched, and advances the expiry deadline from the new updated_at.
var touchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return {-1, 0} end
local cas = tonumber(string.match(cur, '^{"cas":(%d+)'))
local ttl = string.match(cur, '"ttl_secs":(%d+)')
if tonumber(ARGV[2]) >= 0 then ttl = ARGV[2] end
local lookup = string.match(cur, '"lookup":"(.-)"')
local sess = string.match(cur, '"session":(.*)}$')
local new = cas + 1
redis.call('SET', KEYS[1], '{"cas":' .. new .. ',"updated_at":"' .. ARGV[1] ..
  '","ttl_secs":' .. ttl .. ',"lookup":"' .. lookup .. '","session":' .. sess .. '}')
local ttlms = tonumber(ttl) * 1000
if ttlms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttlms)
  if lookup ~= '' then redis.call('PEXPIRE', lookup, ttlms) end
else
  redis.call('PERSIST', KEYS[1])
  if lookup ~= '' then redis.call('PERSIST', lookup) end
end
return {1, new}
`)

// removeScript deletes the record and its lookup key together. The lookup is
// only deleted while it still points at this record, so a racing re-create
// under the same user identity is never clobbered.
var removeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local lookup = string.match(cur, '"lookup":"(.-)"')
redis.call('DEL', KEYS[1])
if lookup and lookup ~= '' then
  if redis.call('GET', lookup) == ARGV[1] then redis.call('DEL', lookup) end
end
return 1
`)

// purgeLookupScript removes a stale index entry, guarded so it never deletes
// an entry that has since been repointed at a different session.
var purgeLookupScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Store against a Redis server. Each session lives as
// one serialized envelope under a namespaced key; expiry uses Redis native
// per-key TTL, so no background sweep is needed.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to the Redis URL and verifies the connection. The
// namespace prefixes every key the store writes; pass DefaultNamespace
// unless the deployment dictates otherwise.
func NewRedisStore(ctx context.Context, url, namespace string) (*RedisStore, error) {
	if url == "" {
		return nil, invalidInput("redis url is required")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if strings.ContainsAny(namespace, `" `) {
		return nil, invalidInput("namespace %q contains invalid characters", namespace)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, invalidInput("failed to parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, backendError("connect", err)
	}
	logger.Info().Str("namespace", namespace).Msg("redis session store connected")
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) entryKey(key model.SessionKey) string {
	return s.namespace + ":session:" + string(key)
}

func (s *RedisStore) lookupKey(env, tenant, team, user string) string {
	if team == "" {
		team = "-"
	}
	return fmt.Sprintf("%s:user:%s:%s:%s:%s", s.namespace, env, tenant, team, user)
}

func (s *RedisStore) metaLookupKey(meta model.SessionMeta) string {
	if meta.UserID == "" {
		return ""
	}
	return s.lookupKey(meta.Env, meta.TenantID, meta.TeamID, meta.UserID)
}

func (s *RedisStore) userWaitsKey(tc model.TenantCtx, user string) string {
	team := tc.Team
	if team == "" {
		team = "-"
	}
	return fmt.Sprintf("%s:waits:user:%s:%s:%s:%s", s.namespace, tc.Env, tc.Tenant, team, user)
}

func (s *RedisStore) scopeWaitKey(tc model.TenantCtx, user string, scope model.ReplyScope) string {
	team := tc.Team
	if team == "" {
		team = "-"
	}
	return fmt.Sprintf("%s:waits:scope:%s:%s:%s:%s:%s", s.namespace, tc.Env, tc.Tenant, team, user, scope.ScopeHash())
}

// write runs the unified write script. mode is "put", "create" or "cas".
func (s *RedisStore) write(ctx context.Context, mode string, sess *model.Session, expected model.Cas) (model.Cas, error) {
	lookup := s.metaLookupKey(sess.Meta)
	tail, err := encodeEnvelopeTail(sess, lookup)
	if err != nil {
		return model.CasNone, err
	}
	keys := []string{s.entryKey(sess.Key), s.entryKey(sess.Key)}
	hasLookup := "0"
	if lookup != "" {
		keys[1] = lookup
		hasLookup = "1"
	}
	ttlMillis := int64(sess.TTLSecs) * 1000
	reply, err := writeScript.Run(ctx, s.client, keys,
		mode, uint64(expected), tail, ttlMillis, hasLookup, string(sess.Key)).Slice()
	if err != nil {
		return model.CasNone, backendError("write script", err)
	}
	status, cas, err := scriptReply(reply)
	if err != nil {
		return model.CasNone, err
	}
	switch status {
	case 1:
		return cas, nil
	case 0, -2, -3:
		return model.CasNone, &ConflictError{Key: sess.Key, Current: cas}
	case -1:
		return model.CasNone, notFound(sess.Key)
	default:
		return model.CasNone, backendError("write script", fmt.Errorf("unexpected status %d", status))
	}
}

func scriptReply(reply []interface{}) (int64, model.Cas, error) {
	if len(reply) != 2 {
		return 0, model.CasNone, backendError("script reply", fmt.Errorf("unexpected reply %v", reply))
	}
	status, ok := reply[0].(int64)
	if !ok {
		return 0, model.CasNone, backendError("script reply", fmt.Errorf("unexpected status %v", reply[0]))
	}
	casValue, ok := reply[1].(int64)
	if !ok {
		return 0, model.CasNone, backendError("script reply", fmt.Errorf("unexpected cas %v", reply[1]))
	}
	return status, model.Cas(casValue), nil
}

// stamp mirrors the in-memory preparation of an inbound record.
func (s *RedisStore) stamp(key model.SessionKey, sess model.Session) *model.Session {
	clone := sess.Clone()
	clone.Key = key
	if clone.ID == "" {
		clone.ID = model.NewSessionID()
	}
	clone.Normalize()
	clone.UpdatedAt = time.Now().UTC()
	return clone
}

func (s *RedisStore) CreateSession(ctx context.Context, tc model.TenantCtx, sess model.Session) (model.SessionKey, error) {
	if err := validateCtx(tc); err != nil {
		return "", err
	}
	if err := validateSession(&sess); err != nil {
		return "", err
	}
	if err := ensureAlignment(tc, sess.Meta); err != nil {
		return "", err
	}
	key := sess.Key
	if key == "" {
		key = model.NewSessionKey()
	}
	// Reject-by-default: a user with a live session keeps it. The write
	// script re-checks the index atomically, so a concurrent create that
	// slips past this read still loses inside the script.
	if lookup := s.metaLookupKey(sess.Meta); lookup != "" {
		if err := s.ensureIdentityFree(ctx, lookup, key); err != nil {
			return "", err
		}
	}
	if _, err := s.write(ctx, "create", s.stamp(key, sess), model.CasNone); err != nil {
		return "", err
	}
	return key, nil
}

// ensureIdentityFree rejects a create when the user index points at a live
// session, and purges the entry (guarded) when it points at a dead one.
func (s *RedisStore) ensureIdentityFree(ctx context.Context, lookup string, key model.SessionKey) error {
	raw, err := s.client.Get(ctx, lookup).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return backendError("get lookup", err)
	}
	existing := model.SessionKey(raw)
	if existing == key {
		return nil
	}
	cur, cas, err := s.GetSession(ctx, existing)
	if err != nil {
		return err
	}
	if cur != nil {
		return &ConflictError{Key: existing, Current: cas}
	}
	if err := purgeLookupScript.Run(ctx, s.client, []string{lookup}, raw).Err(); err != nil {
		return backendError("purge lookup", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, key model.SessionKey) (*model.Session, model.Cas, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.CasNone, nil
	}
	if err != nil {
		return nil, model.CasNone, backendError("get", err)
	}
	sess, cas, _, err := decodeEnvelope(raw)
	if err != nil {
		return nil, model.CasNone, err
	}
	return sess, cas, nil
}

func (s *RedisStore) Put(ctx context.Context, sess model.Session) (model.Cas, error) {
	if err := validateSession(&sess); err != nil {
		return model.CasNone, err
	}
	if sess.Key == "" {
		return model.CasNone, invalidInput("session key is required")
	}
	return s.write(ctx, "put", s.stamp(sess.Key, sess), model.CasNone)
}

func (s *RedisStore) UpdateCAS(ctx context.Context, sess model.Session, expected model.Cas) (model.Cas, error) {
	if err := validateSession(&sess); err != nil {
		return model.CasNone, err
	}
	if sess.Key == "" {
		return model.CasNone, invalidInput("session key is required")
	}
	return s.write(ctx, "cas", s.stamp(sess.Key, sess), expected)
}

func (s *RedisStore) UpdateSession(ctx context.Context, key model.SessionKey, sess model.Session) error {
	if err := validateSession(&sess); err != nil {
		return err
	}
	// The fence must hold against the record actually replaced, so the write
	// is CAS-guarded on the token read alongside the fenced meta; losing the
	// race re-reads and re-applies the fence.
	for {
		existing, cas, err := s.GetSession(ctx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return notFound(key)
		}
		if err := ensureCtxPreserved(existing.Meta, sess.Meta); err != nil {
			return err
		}
		_, err = s.write(ctx, "cas", s.stamp(key, sess), cas)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return notFound(key)
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
}

func (s *RedisStore) Touch(ctx context.Context, key model.SessionKey, ttlSecs *uint32) error {
	override := int64(-1)
	if ttlSecs != nil {
		override = int64(*ttlSecs)
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	reply, err := touchScript.Run(ctx, s.client, []string{s.entryKey(key)}, stamp, override).Slice()
	if err != nil {
		return backendError("touch script", err)
	}
	status, _, err := scriptReply(reply)
	if err != nil {
		return err
	}
	if status == -1 {
		return notFound(key)
	}
	return nil
}

func (s *RedisStore) RemoveSession(ctx context.Context, key model.SessionKey) error {
	// Wait-set membership is cleaned up alongside; scope pointers are purged
	// lazily by the lookup paths.
	sess, _, err := s.GetSession(ctx, key)
	if err != nil && !errors.Is(err, ErrSerialization) {
		return err
	}
	if err := removeScript.Run(ctx, s.client, []string{s.entryKey(key)}, string(key)).Err(); err != nil {
		return backendError("remove script", err)
	}
	if sess != nil && sess.Meta.UserID != "" {
		waits := s.userWaitsKey(sess.Meta.Ctx(), sess.Meta.UserID)
		if err := s.client.SRem(ctx, waits, string(key)).Err(); err != nil {
			return backendError("srem", err)
		}
	}
	return nil
}

func (s *RedisStore) FindByUser(ctx context.Context, tc model.TenantCtx, user string) (model.SessionKey, *model.Session, error) {
	if err := validateCtx(tc); err != nil {
		return "", nil, err
	}
	if user == "" {
		return "", nil, invalidInput("user is required")
	}
	lookup := s.lookupKey(tc.Env, tc.Tenant, tc.Team, user)
	raw, err := s.client.Get(ctx, lookup).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, backendError("get lookup", err)
	}
	key := model.SessionKey(raw)
	sess, _, err := s.GetSession(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
		if err := purgeLookupScript.Run(ctx, s.client, []string{lookup}, raw).Err(); err != nil {
			return "", nil, backendError("purge lookup", err)
		}
		return "", nil, nil
	}
	return key, sess, nil
}

func (s *RedisStore) RegisterWait(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope, key model.SessionKey, sess model.Session) error {
	if err := validateCtx(tc); err != nil {
		return err
	}
	if err := validateSession(&sess); err != nil {
		return err
	}
	if key == "" {
		return invalidInput("session key is required")
	}
	if err := ensureAlignment(tc, sess.Meta); err != nil {
		return err
	}
	if err := ensureUserMatches(tc, user, sess.Meta); err != nil {
		return err
	}
	existing, _, err := s.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := ensureCtxPreserved(existing.Meta, sess.Meta); err != nil {
			return err
		}
	}
	if _, err := s.write(ctx, "put", s.stamp(key, sess), model.CasNone); err != nil {
		return err
	}

	waits := s.userWaitsKey(tc, user)
	if err := s.client.SAdd(ctx, waits, string(key)).Err(); err != nil {
		return backendError("sadd", err)
	}
	scopeKey := s.scopeWaitKey(tc, user, scope)
	previous, err := s.client.GetSet(ctx, scopeKey, string(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return backendError("getset scope", err)
	}
	if ttlMillis := int64(sess.TTLSecs) * 1000; ttlMillis > 0 {
		if err := s.client.PExpire(ctx, scopeKey, time.Duration(ttlMillis)*time.Millisecond).Err(); err != nil {
			return backendError("pexpire scope", err)
		}
	} else if err := s.client.Persist(ctx, scopeKey).Err(); err != nil {
		return backendError("persist scope", err)
	}
	if previous != "" && previous != string(key) {
		if err := s.client.SRem(ctx, waits, previous).Err(); err != nil {
			return backendError("srem", err)
		}
	}
	return nil
}

func (s *RedisStore) FindWaitByScope(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) (model.SessionKey, error) {
	if err := validateCtx(tc); err != nil {
		return "", err
	}
	scopeKey := s.scopeWaitKey(tc, user, scope)
	raw, err := s.client.Get(ctx, scopeKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", backendError("get scope", err)
	}
	key := model.SessionKey(raw)
	sess, _, err := s.GetSession(ctx, key)
	if err != nil {
		return "", err
	}
	if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
		if err := purgeLookupScript.Run(ctx, s.client, []string{scopeKey}, raw).Err(); err != nil {
			return "", backendError("purge scope", err)
		}
		if err := s.client.SRem(ctx, s.userWaitsKey(tc, user), raw).Err(); err != nil {
			return "", backendError("srem", err)
		}
		return "", nil
	}
	return key, nil
}

func (s *RedisStore) ListWaitsForUser(ctx context.Context, tc model.TenantCtx, user string) ([]model.SessionKey, error) {
	if err := validateCtx(tc); err != nil {
		return nil, err
	}
	waits := s.userWaitsKey(tc, user)
	members, err := s.client.SMembers(ctx, waits).Result()
	if err != nil {
		return nil, backendError("smembers", err)
	}
	live := make([]model.SessionKey, 0, len(members))
	for _, raw := range members {
		key := model.SessionKey(raw)
		sess, _, err := s.GetSession(ctx, key)
		if err != nil {
			return nil, err
		}
		if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
			if err := s.client.SRem(ctx, waits, raw).Err(); err != nil {
				return nil, backendError("srem", err)
			}
			continue
		}
		live = append(live, key)
	}
	return live, nil
}

func (s *RedisStore) ClearWait(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) error {
	if err := validateCtx(tc); err != nil {
		return err
	}
	scopeKey := s.scopeWaitKey(tc, user, scope)
	raw, err := s.client.GetDel(ctx, scopeKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return backendError("getdel scope", err)
	}
	if err := s.client.SRem(ctx, s.userWaitsKey(tc, user), raw).Err(); err != nil {
		return backendError("srem", err)
	}
	return s.RemoveSession(ctx, model.SessionKey(raw))
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
