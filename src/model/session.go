package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionKey is the stable opaque key a session is stored under. Keys are
// either derived from connector identifiers (see the mapping package) or
// issued by the runner.
type SessionKey string

// String returns the raw key value.
func (k SessionKey) String() string {
	return string(k)
}

// NewSessionKey issues a fresh runner-side session key.
func NewSessionKey() SessionKey {
	return SessionKey(uuid.NewString())
}

// NewSessionID issues a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Cas is the compare-and-swap token bound to the stored value of a session.
// It is a per-key logical counter: every successful write produces a strictly
// greater token, so comparison is plain equality against the stored token.
type Cas uint64

const (
	// CasNone is the sentinel token reported when no record exists.
	CasNone Cas = 0
	// CasInitial is the token assigned by the first write of a record.
	CasInitial Cas = 1
)

// Next produces the token the next successful write will carry.
func (c Cas) Next() Cas {
	return c + 1
}

// TenantCtx is the scoping context supplied by every caller. Env and Tenant
// are required; Team and User are optional (empty string means absent).
type TenantCtx struct {
	Env    string `json:"env"`
	Tenant string `json:"tenant"`
	Team   string `json:"team,omitempty"`
	User   string `json:"user,omitempty"`
}

// Validate checks that the required fields are present and that every field
// is a well-formed identifier (they end up embedded in backend key names).
func (c TenantCtx) Validate() error {
	if c.Env == "" {
		return fmt.Errorf("tenant context env is required")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant context tenant is required")
	}
	for _, field := range []struct{ name, value string }{
		{"env", c.Env}, {"tenant", c.Tenant}, {"team", c.Team}, {"user", c.User},
	} {
		if !validIdent(field.value) {
			return fmt.Errorf("tenant context %s %q contains invalid characters", field.name, field.value)
		}
	}
	return nil
}

// validIdent permits [A-Za-z0-9._-] only; the empty string is valid so
// optional fields pass through.
func validIdent(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// SessionCursor tracks where a paused flow resumes, plus the monotonically
// increasing outbox sequence counter.
type SessionCursor struct {
	FlowID     string `json:"flow_id"`
	NodeID     string `json:"node_id"`
	WaitReason string `json:"wait_reason,omitempty"`
	OutboxSeq  uint64 `json:"outbox_seq"`
}

// SessionMeta carries the denormalized tenant/user fields used by the
// secondary index and the tenant fence, so neither needs to deserialize the
// full payload. Env lives here because the index is keyed by
// (env, tenant, team, user).
type SessionMeta struct {
	Env      string            `json:"env"`
	TenantID string            `json:"tenant_id"`
	TeamID   string            `json:"team_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Ctx converts the stored meta fields back into a tenant context.
func (m SessionMeta) Ctx() TenantCtx {
	return TenantCtx{Env: m.Env, Tenant: m.TenantID, Team: m.TeamID, User: m.UserID}
}

// MetaFromCtx builds the meta block stored alongside a session.
func MetaFromCtx(c TenantCtx) SessionMeta {
	return SessionMeta{Env: c.Env, TenantID: c.Tenant, TeamID: c.Team, UserID: c.User}
}

// OutboxEntry records one emitted side effect. (Seq, PayloadSHA256) is the
// dedup key; re-submitting an already-seen pair is a no-op. Payload is the
// raw JSON effect body; it is stored verbatim, never re-encoded.
type OutboxEntry struct {
	Seq           uint64          `json:"seq"`
	PayloadSHA256 string          `json:"payload_sha256"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Session is the full persisted record for one paused flow instance.
type Session struct {
	ID        string        `json:"id"`
	Key       SessionKey    `json:"key"`
	Cursor    SessionCursor `json:"cursor"`
	Meta      SessionMeta   `json:"meta"`
	Outbox    []OutboxEntry `json:"outbox,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	TTLSecs   uint32        `json:"ttl_secs"`
}

// TenantID returns the owning tenant for convenience.
func (s *Session) TenantID() string {
	return s.Meta.TenantID
}

// Validate rejects malformed records before any mutation is attempted.
func (s *Session) Validate() error {
	if err := s.Meta.Ctx().Validate(); err != nil {
		return err
	}
	if s.Cursor.FlowID == "" {
		return fmt.Errorf("session cursor flow_id is required")
	}
	return nil
}

// Normalize applies in-place cleanup prior to a write: the outbox is
// deduplicated by (seq, payload_sha256), first occurrence wins.
func (s *Session) Normalize() {
	s.DedupeOutbox()
}

// DedupeOutbox drops duplicate outbox entries while preserving order.
func (s *Session) DedupeOutbox() {
	if len(s.Outbox) < 2 {
		return
	}
	type dedupKey struct {
		seq uint64
		sha string
	}
	seen := make(map[dedupKey]struct{}, len(s.Outbox))
	kept := s.Outbox[:0]
	for _, entry := range s.Outbox {
		dk := dedupKey{entry.Seq, entry.PayloadSHA256}
		if _, ok := seen[dk]; ok {
			continue
		}
		seen[dk] = struct{}{}
		kept = append(kept, entry)
	}
	s.Outbox = kept
}

// ExpiresAt returns the absolute expiry deadline, or false when TTLSecs == 0
// (the record never expires).
func (s *Session) ExpiresAt() (time.Time, bool) {
	if s.TTLSecs == 0 {
		return time.Time{}, false
	}
	return s.UpdatedAt.Add(time.Duration(s.TTLSecs) * time.Second), true
}

// ExpiredAt reports whether the record is expired as of now.
func (s *Session) ExpiredAt(now time.Time) bool {
	deadline, ok := s.ExpiresAt()
	return ok && !now.Before(deadline)
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	if s.Outbox != nil {
		clone.Outbox = make([]OutboxEntry, len(s.Outbox))
		for i, entry := range s.Outbox {
			clone.Outbox[i] = entry
			if entry.Payload != nil {
				clone.Outbox[i].Payload = append([]byte(nil), entry.Payload...)
			}
		}
	}
	if s.Meta.Labels != nil {
		clone.Meta.Labels = make(map[string]string, len(s.Meta.Labels))
		for k, v := range s.Meta.Labels {
			clone.Meta.Labels[k] = v
		}
	}
	return &clone
}
