package session

import (
	"github.com/greentic/greentic-session/src/model"
)

// The tenant fence is applied identically by every backend: validation and
// fencing happen locally, before any mutation is attempted.

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ctxMismatch(expected, provided model.TenantCtx, reason string) error {
	return invalidInput(
		"tenant context mismatch (%s): expected env=%s, tenant=%s, team=%s, user=%s, got env=%s, tenant=%s, team=%s, user=%s",
		reason,
		expected.Env, expected.Tenant, orDash(expected.Team), orDash(expected.User),
		provided.Env, provided.Tenant, orDash(provided.Team), orDash(provided.User),
	)
}

// ensureAlignment verifies that the caller-provided context matches the
// tenant fields stored (or about to be stored) on a session. Env, tenant and
// team must match exactly; when the session binds a user the caller must
// present the identical user.
func ensureAlignment(ctx model.TenantCtx, meta model.SessionMeta) error {
	stored := meta.Ctx()
	if ctx.Env != stored.Env || ctx.Tenant != stored.Tenant {
		return ctxMismatch(stored, ctx, "env/tenant must match")
	}
	if ctx.Team != stored.Team {
		return ctxMismatch(stored, ctx, "team must match")
	}
	if stored.User != "" {
		if ctx.User == "" {
			return ctxMismatch(stored, ctx, "user required by session but missing in caller context")
		}
		if ctx.User != stored.User {
			return ctxMismatch(stored, ctx, "user must match stored session")
		}
	}
	return nil
}

// ensureCtxPreserved rejects updates that would move an existing session to a
// different tenant scope, or introduce, clear or change its user binding.
func ensureCtxPreserved(existing, candidate model.SessionMeta) error {
	prev, next := existing.Ctx(), candidate.Ctx()
	if prev.Env != next.Env || prev.Tenant != next.Tenant {
		return ctxMismatch(prev, next, "env/tenant cannot change for an existing session")
	}
	if prev.Team != next.Team {
		return ctxMismatch(prev, next, "team cannot change for an existing session")
	}
	switch {
	case prev.User != "" && next.User == "":
		return ctxMismatch(prev, next, "user cannot be cleared for an existing session")
	case prev.User != "" && next.User != prev.User:
		return ctxMismatch(prev, next, "user cannot change for an existing session")
	case prev.User == "" && next.User != "":
		return ctxMismatch(prev, next, "user cannot be introduced when none was stored")
	}
	return nil
}

// ensureUserMatches verifies the explicit user argument of a wait
// registration against both the caller context and the session meta.
func ensureUserMatches(ctx model.TenantCtx, user string, meta model.SessionMeta) error {
	if user == "" {
		return invalidInput("user is required")
	}
	if ctx.User != "" && ctx.User != user {
		return invalidInput("user must match tenant context when registering a wait")
	}
	if meta.UserID == "" {
		return invalidInput("user required by wait but missing in session meta")
	}
	if meta.UserID != user {
		return invalidInput("user must match session meta when registering a wait")
	}
	return nil
}

// metaMatchesLookup reports whether a record retrieved through the secondary
// index still belongs to the caller's exact scope. Lookups never leak a
// record whose stored env/tenant/team/user differ from the caller's.
func metaMatchesLookup(ctx model.TenantCtx, user string, meta model.SessionMeta) bool {
	if meta.Env != ctx.Env || meta.TenantID != ctx.Tenant || meta.TeamID != ctx.Team {
		return false
	}
	return meta.UserID == "" || meta.UserID == user
}

func validateCtx(ctx model.TenantCtx) error {
	if err := ctx.Validate(); err != nil {
		return invalidInput("%v", err)
	}
	return nil
}

func validateSession(sess *model.Session) error {
	if err := sess.Validate(); err != nil {
		return invalidInput("%v", err)
	}
	return nil
}
