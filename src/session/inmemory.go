package session

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/greentic/greentic-session/src/logger"
	"github.com/greentic/greentic-session/src/model"
)

// MinSweepInterval bounds how often the background sweep may run. Lazy
// eviction keeps foreground reads correct between passes, so sweeping more
// often than this only burns CPU.
const MinSweepInterval = 60 * time.Second

const sep = "\x1f"

// createStripes sizes the lock set serializing creates per user identity.
const createStripes = 64

// memEntry is the per-key slot. Its mutex makes compare-then-set indivisible
// with respect to other writers on the same key; writers on different keys
// never contend.
type memEntry struct {
	mu      sync.Mutex
	sess    *model.Session
	cas     model.Cas
	gone    bool // entry has been removed from the map; callers must re-load
	waitKey string
	scopeID string
}

// InMemoryStore is the in-process Store implementation: a concurrent map of
// per-key entries plus a secondary user index. Reads do not block other
// reads, and only the periodic sweep serializes against itself. Sessions are
// deep-copied on the way in and out so callers never share internal state.
type InMemoryStore struct {
	sessions sync.Map // model.SessionKey -> *memEntry
	byUser   sync.Map // lookup string    -> model.SessionKey

	waitsMu   sync.Mutex
	userWaits map[string]map[model.SessionKey]struct{}
	scopes    map[string]model.SessionKey

	// createLocks serialize user-bound creates per lookup key, making the
	// liveness check and the index publish one indivisible step. Striped so
	// creates for different identities almost never contend.
	createLocks [createStripes]sync.Mutex

	now func() time.Time

	sweepMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryStore constructs an empty store. A positive interval starts the
// background sweeper (clamped to MinSweepInterval); zero disables it and
// leaves expiry entirely to lazy eviction.
func NewInMemoryStore(interval time.Duration) *InMemoryStore {
	s := &InMemoryStore{
		userWaits: make(map[string]map[model.SessionKey]struct{}),
		scopes:    make(map[string]model.SessionKey),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	if interval > 0 {
		if interval < MinSweepInterval {
			interval = MinSweepInterval
		}
		go s.sweepLoop(interval)
	}
	return s
}

func sweepInterval(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}

func (s *InMemoryStore) createLock(lookup string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(lookup))
	return &s.createLocks[h.Sum32()%createStripes]
}

func userLookup(env, tenant, team, user string) string {
	return strings.Join([]string{env, tenant, team, user}, sep)
}

func ctxLookup(tc model.TenantCtx, user string) string {
	return userLookup(tc.Env, tc.Tenant, tc.Team, user)
}

func metaLookup(meta model.SessionMeta) string {
	if meta.UserID == "" {
		return ""
	}
	return userLookup(meta.Env, meta.TenantID, meta.TeamID, meta.UserID)
}

func scopeLookup(tc model.TenantCtx, user string, scope model.ReplyScope) string {
	return ctxLookup(tc, user) + sep + scope.ScopeHash()
}

// loadEntry returns the live entry for key, retrying when it races with a
// concurrent removal. create controls whether a missing slot is allocated.
func (s *InMemoryStore) loadEntry(key model.SessionKey, create bool) *memEntry {
	for {
		var e *memEntry
		if create {
			fresh := &memEntry{}
			actual, _ := s.sessions.LoadOrStore(key, fresh)
			e = actual.(*memEntry)
		} else {
			actual, ok := s.sessions.Load(key)
			if !ok {
				return nil
			}
			e = actual.(*memEntry)
		}
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		return e // returned locked
	}
}

// dropLocked removes the entry and its index/wait registrations. e.mu must
// be held; the entry is left marked gone.
func (s *InMemoryStore) dropLocked(key model.SessionKey, e *memEntry) {
	e.gone = true
	s.sessions.Delete(key)
	if e.sess != nil {
		if lookup := metaLookup(e.sess.Meta); lookup != "" {
			s.byUser.CompareAndDelete(lookup, key)
		}
	}
	if e.waitKey != "" || e.scopeID != "" {
		s.waitsMu.Lock()
		s.removeWaitLocked(e.waitKey, key)
		if e.scopeID != "" {
			if cur, ok := s.scopes[e.scopeID]; ok && cur == key {
				delete(s.scopes, e.scopeID)
			}
		}
		s.waitsMu.Unlock()
	}
}

// removeWaitLocked detaches key from a user wait set. waitsMu must be held.
func (s *InMemoryStore) removeWaitLocked(waitKey string, key model.SessionKey) {
	if waitKey == "" {
		return
	}
	if set, ok := s.userWaits[waitKey]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.userWaits, waitKey)
		}
	}
}

// writeLocked replaces the entry's record, bumps the CAS token and keeps the
// user index aligned. e.mu must be held. sess must already be normalized,
// cloned and stamped.
func (s *InMemoryStore) writeLocked(key model.SessionKey, e *memEntry, sess *model.Session) model.Cas {
	var oldLookup string
	if e.sess != nil {
		oldLookup = metaLookup(e.sess.Meta)
	}
	newLookup := metaLookup(sess.Meta)
	if oldLookup != "" && oldLookup != newLookup {
		s.byUser.CompareAndDelete(oldLookup, key)
	}
	if newLookup != "" {
		s.byUser.Store(newLookup, key)
	}
	e.sess = sess
	e.cas = e.cas.Next()
	return e.cas
}

// stamp prepares an inbound record for storage.
func (s *InMemoryStore) stamp(key model.SessionKey, sess model.Session) *model.Session {
	clone := sess.Clone()
	clone.Key = key
	if clone.ID == "" {
		clone.ID = model.NewSessionID()
	}
	clone.Normalize()
	clone.UpdatedAt = s.now()
	return clone
}

func (s *InMemoryStore) CreateSession(ctx context.Context, tc model.TenantCtx, sess model.Session) (model.SessionKey, error) {
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

	// Reject-by-default: a user with a live session keeps it until it is
	// explicitly removed or expires. The stripe lock is held until the write
	// below publishes the index entry, so two racing creates for the same
	// identity serialize and the loser observes the winner.
	if lookup := metaLookup(sess.Meta); lookup != "" {
		mu := s.createLock(lookup)
		mu.Lock()
		defer mu.Unlock()
		if existing, ok := s.byUser.Load(lookup); ok {
			existingKey := existing.(model.SessionKey)
			if existingKey != key {
				if cur, cas, _ := s.GetSession(ctx, existingKey); cur != nil {
					return "", &ConflictError{Key: existingKey, Current: cas}
				}
				s.byUser.CompareAndDelete(lookup, existingKey)
			}
		}
	}

	e := s.loadEntry(key, true)
	defer e.mu.Unlock()
	if e.sess != nil && !e.sess.ExpiredAt(s.now()) {
		return "", &ConflictError{Key: key, Current: e.cas}
	}
	s.writeLocked(key, e, s.stamp(key, sess))
	return key, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, key model.SessionKey) (*model.Session, model.Cas, error) {
	e := s.loadEntry(key, false)
	if e == nil {
		return nil, model.CasNone, nil
	}
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.ExpiredAt(s.now()) {
		s.dropLocked(key, e)
		return nil, model.CasNone, nil
	}
	return e.sess.Clone(), e.cas, nil
}

func (s *InMemoryStore) Put(_ context.Context, sess model.Session) (model.Cas, error) {
	if err := validateSession(&sess); err != nil {
		return model.CasNone, err
	}
	if sess.Key == "" {
		return model.CasNone, invalidInput("session key is required")
	}
	e := s.loadEntry(sess.Key, true)
	defer e.mu.Unlock()
	return s.writeLocked(sess.Key, e, s.stamp(sess.Key, sess)), nil
}

func (s *InMemoryStore) UpdateCAS(_ context.Context, sess model.Session, expected model.Cas) (model.Cas, error) {
	if err := validateSession(&sess); err != nil {
		return model.CasNone, err
	}
	if sess.Key == "" {
		return model.CasNone, invalidInput("session key is required")
	}
	e := s.loadEntry(sess.Key, false)
	if e == nil {
		return model.CasNone, notFound(sess.Key)
	}
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.ExpiredAt(s.now()) {
		s.dropLocked(sess.Key, e)
		return model.CasNone, notFound(sess.Key)
	}
	if e.cas != expected {
		return model.CasNone, &ConflictError{Key: sess.Key, Current: e.cas}
	}
	return s.writeLocked(sess.Key, e, s.stamp(sess.Key, sess)), nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, key model.SessionKey, sess model.Session) error {
	if err := validateSession(&sess); err != nil {
		return err
	}
	e := s.loadEntry(key, false)
	if e == nil {
		return notFound(key)
	}
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.ExpiredAt(s.now()) {
		s.dropLocked(key, e)
		return notFound(key)
	}
	if err := ensureCtxPreserved(e.sess.Meta, sess.Meta); err != nil {
		return err
	}
	s.writeLocked(key, e, s.stamp(key, sess))
	return nil
}

func (s *InMemoryStore) Touch(_ context.Context, key model.SessionKey, ttlSecs *uint32) error {
	e := s.loadEntry(key, false)
	if e == nil {
		return notFound(key)
	}
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.ExpiredAt(s.now()) {
		s.dropLocked(key, e)
		return notFound(key)
	}
	e.sess.UpdatedAt = s.now()
	if ttlSecs != nil {
		e.sess.TTLSecs = *ttlSecs
	}
	e.cas = e.cas.Next()
	return nil
}

func (s *InMemoryStore) RemoveSession(_ context.Context, key model.SessionKey) error {
	e := s.loadEntry(key, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	s.dropLocked(key, e)
	return nil
}

func (s *InMemoryStore) FindByUser(ctx context.Context, tc model.TenantCtx, user string) (model.SessionKey, *model.Session, error) {
	if err := validateCtx(tc); err != nil {
		return "", nil, err
	}
	if user == "" {
		return "", nil, invalidInput("user is required")
	}
	lookup := ctxLookup(tc, user)
	stored, ok := s.byUser.Load(lookup)
	if !ok {
		return "", nil, nil
	}
	key := stored.(model.SessionKey)
	sess, _, err := s.GetSession(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
		s.byUser.CompareAndDelete(lookup, key)
		return "", nil, nil
	}
	return key, sess, nil
}

func (s *InMemoryStore) RegisterWait(_ context.Context, tc model.TenantCtx, user string, scope model.ReplyScope, key model.SessionKey, sess model.Session) error {
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

	waitKey := ctxLookup(tc, user)
	scopeID := scopeLookup(tc, user, scope)

	e := s.loadEntry(key, true)
	defer e.mu.Unlock()
	if e.sess != nil {
		if err := ensureCtxPreserved(e.sess.Meta, sess.Meta); err != nil {
			return err
		}
	}
	s.writeLocked(key, e, s.stamp(key, sess))

	s.waitsMu.Lock()
	defer s.waitsMu.Unlock()
	s.removeWaitLocked(e.waitKey, key)
	if e.scopeID != "" && e.scopeID != scopeID {
		if cur, ok := s.scopes[e.scopeID]; ok && cur == key {
			delete(s.scopes, e.scopeID)
		}
	}
	e.waitKey = waitKey
	e.scopeID = scopeID
	set, ok := s.userWaits[waitKey]
	if !ok {
		set = make(map[model.SessionKey]struct{})
		s.userWaits[waitKey] = set
	}
	set[key] = struct{}{}
	if previous, ok := s.scopes[scopeID]; ok && previous != key {
		s.removeWaitLocked(waitKey, previous)
	}
	s.scopes[scopeID] = key
	return nil
}

func (s *InMemoryStore) FindWaitByScope(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) (model.SessionKey, error) {
	if err := validateCtx(tc); err != nil {
		return "", err
	}
	scopeID := scopeLookup(tc, user, scope)
	s.waitsMu.Lock()
	key, ok := s.scopes[scopeID]
	s.waitsMu.Unlock()
	if !ok {
		return "", nil
	}
	sess, _, err := s.GetSession(ctx, key)
	if err != nil {
		return "", err
	}
	if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
		s.waitsMu.Lock()
		if cur, ok := s.scopes[scopeID]; ok && cur == key {
			delete(s.scopes, scopeID)
		}
		s.removeWaitLocked(ctxLookup(tc, user), key)
		s.waitsMu.Unlock()
		return "", nil
	}
	return key, nil
}

func (s *InMemoryStore) ListWaitsForUser(ctx context.Context, tc model.TenantCtx, user string) ([]model.SessionKey, error) {
	if err := validateCtx(tc); err != nil {
		return nil, err
	}
	waitKey := ctxLookup(tc, user)
	s.waitsMu.Lock()
	keys := make([]model.SessionKey, 0, len(s.userWaits[waitKey]))
	for key := range s.userWaits[waitKey] {
		keys = append(keys, key)
	}
	s.waitsMu.Unlock()

	live := keys[:0]
	for _, key := range keys {
		sess, _, err := s.GetSession(ctx, key)
		if err != nil {
			return nil, err
		}
		if sess == nil || !metaMatchesLookup(tc, user, sess.Meta) {
			s.waitsMu.Lock()
			s.removeWaitLocked(waitKey, key)
			s.waitsMu.Unlock()
			continue
		}
		live = append(live, key)
	}
	return live, nil
}

func (s *InMemoryStore) ClearWait(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) error {
	if err := validateCtx(tc); err != nil {
		return err
	}
	scopeID := scopeLookup(tc, user, scope)
	s.waitsMu.Lock()
	key, ok := s.scopes[scopeID]
	if ok {
		delete(s.scopes, scopeID)
		s.removeWaitLocked(ctxLookup(tc, user), key)
	}
	s.waitsMu.Unlock()
	if !ok {
		return nil
	}
	return s.RemoveSession(ctx, key)
}

// Close stops the background sweeper. The store remains usable for
// foreground operations afterwards; expiry falls back to lazy eviction.
func (s *InMemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *InMemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce evicts expired entries proactively so memory growth stays
// bounded between accesses. It is idempotent and safe to race against lazy
// eviction; only concurrent sweep passes serialize against each other.
func (s *InMemoryStore) sweepOnce() int {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	now := s.now()
	evicted := 0
	s.sessions.Range(func(k, v any) bool {
		key := k.(model.SessionKey)
		e := v.(*memEntry)
		e.mu.Lock()
		if !e.gone && (e.sess == nil || e.sess.ExpiredAt(now)) {
			s.dropLocked(key, e)
			evicted++
		}
		e.mu.Unlock()
		return true
	})
	if evicted > 0 {
		logger.Debug().Int("evicted", evicted).Msg("session sweep evicted expired entries")
	}
	return evicted
}
