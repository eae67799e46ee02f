// Package session implements a multi-tenant persistence layer for paused
// flow executions. A runner stores the state of an interruptible computation
// under a stable key, and resumes it later when a matching external event
// arrives.
//
// The Store interface is the only surface the runner depends on. Two
// backends satisfy it with identical observable semantics: an in-process
// concurrent store and a Redis-backed store. Both enforce tenant fencing,
// optimistic concurrency via compare-and-swap tokens, TTL based expiry and
// idempotent outbox deduplication. Retry on conflict is deliberately the
// caller's responsibility; the store never retries or merges.
package session

import (
	"context"

	"github.com/greentic/greentic-session/src/model"
)

// DefaultNamespace prefixes every key the Redis backend writes.
const DefaultNamespace = "greentic:session"

// Store persists sessions and their lookup indices.
//
// Contract:
//   - Cas tokens per key form a strictly increasing sequence; a writer must
//     present the token it last observed or the write is rejected.
//   - Expired records are treated as absent and purged lazily, together with
//     their index entries.
//   - UpdatedAt is refreshed on every successful mutating operation.
//   - The primary record and its user index entry are mutated together; no
//     caller observes a lookup pointing at a missing record beyond a single
//     operation's visibility window.
type Store interface {
	// CreateSession fences sess.Meta against tc and stores the record under
	// sess.Key (a fresh key is issued when empty). It fails with ErrConflict
	// when (env, tenant, team, user) already maps to a live session.
	CreateSession(ctx context.Context, tc model.TenantCtx, sess model.Session) (model.SessionKey, error)

	// GetSession returns the current record and its CAS token, or
	// (nil, CasNone, nil) when the key is absent or expired. It never fences
	// by tenant: the caller already resolved the key.
	GetSession(ctx context.Context, key model.SessionKey) (*model.Session, model.Cas, error)

	// Put writes the full record unconditionally and returns the fresh token.
	Put(ctx context.Context, sess model.Session) (model.Cas, error)

	// UpdateCAS is the canonical conditional write. On mismatch it fails with
	// a *ConflictError carrying the current token so the caller can re-read
	// and retry; on an absent or expired record it fails with ErrNotFound.
	UpdateCAS(ctx context.Context, sess model.Session, expected model.Cas) (model.Cas, error)

	// UpdateSession replaces the record at key, rejecting with
	// ErrInvalidInput any change to the stored env/tenant/team/user.
	UpdateSession(ctx context.Context, key model.SessionKey, sess model.Session) error

	// Touch refreshes UpdatedAt so the expiry deadline advances. A non-nil
	// ttlSecs replaces the stored TTL; nil leaves it unchanged.
	Touch(ctx context.Context, key model.SessionKey, ttlSecs *uint32) error

	// RemoveSession deletes the record and its index entries. Removing an
	// absent key is not an error.
	RemoveSession(ctx context.Context, key model.SessionKey) error

	// FindByUser resolves the secondary index for (tc.Env, tc.Tenant,
	// tc.Team, user). Stale, expired or mismatched entries are purged and
	// absence ("", nil, nil) is returned.
	FindByUser(ctx context.Context, tc model.TenantCtx, user string) (model.SessionKey, *model.Session, error)

	// RegisterWait persists a paused flow's session and indexes it under the
	// user's wait set and the reply scope, so a connector reply can be
	// routed back to it. Re-registering a scope swaps the indexed session.
	RegisterWait(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope, key model.SessionKey, sess model.Session) error

	// FindWaitByScope returns the session key registered for the scope, or
	// "" when none is live for the caller's exact tenant scope.
	FindWaitByScope(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) (model.SessionKey, error)

	// ListWaitsForUser returns the keys of all live waits registered for the
	// user within the caller's tenant scope.
	ListWaitsForUser(ctx context.Context, tc model.TenantCtx, user string) ([]model.SessionKey, error)

	// ClearWait removes the wait registered for the scope together with its
	// session. Clearing an absent wait is not an error.
	ClearWait(ctx context.Context, tc model.TenantCtx, user string, scope model.ReplyScope) error

	// Close releases backend resources and stops background work.
	Close() error
}

// New builds a session store from configuration.
func New(ctx context.Context, cfg model.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case "", "inmemory":
		return NewInMemoryStore(sweepInterval(cfg.SweepSecs)), nil
	case "redis":
		namespace := cfg.Namespace
		if namespace == "" {
			namespace = DefaultNamespace
		}
		return NewRedisStore(ctx, cfg.RedisURL, namespace)
	default:
		return nil, invalidInput("unknown session backend %q", cfg.Backend)
	}
}
