package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentic/greentic-session/src/model"
)

// Both backends must expose identical observable semantics, so instead of
// sharing implementation they share this suite: every subtest runs verbatim
// against whichever Store the opener yields.

func contractCtx(team, user string) model.TenantCtx {
	return model.TenantCtx{Env: "dev", Tenant: "tenant-a", Team: team, User: user}
}

func contractSession(key model.SessionKey, tc model.TenantCtx) model.Session {
	return model.Session{
		Key: key,
		Cursor: model.SessionCursor{
			FlowID: "flow.alpha", NodeID: "node.start",
		},
		Meta:    model.MetaFromCtx(tc),
		TTLSecs: 300,
	}
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("team-1", "user-rt")
		sess := contractSession("rt-key", tc)
		sess.Cursor.WaitReason = "awaiting reply"
		sess.Cursor.OutboxSeq = 2
		sess.Meta.Labels = map[string]string{"origin": "telegram"}
		sess.Outbox = []model.OutboxEntry{{
			Seq: 2, PayloadSHA256: "ab12", Payload: []byte(`{"n":1}`),
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}}

		before := time.Now().Add(-time.Second)
		key, err := store.CreateSession(ctx, tc, sess)
		require.NoError(t, err)
		assert.Equal(t, model.SessionKey("rt-key"), key, "pre-issued key accepted")

		got, cas, err := store.GetSession(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.CasInitial, cas)
		assert.Equal(t, sess.Cursor, got.Cursor)
		assert.Equal(t, sess.Meta, got.Meta)
		assert.Equal(t, sess.TTLSecs, got.TTLSecs)
		require.Len(t, got.Outbox, 1)
		assert.Equal(t, sess.Outbox[0].Payload, got.Outbox[0].Payload)
		assert.NotEmpty(t, got.ID)
		assert.True(t, got.UpdatedAt.After(before), "updated_at refreshed on create")
	})

	t.Run("CreateRejectsFenceMismatch", func(t *testing.T) {
		store := open(t)
		caller := contractCtx("team-a", "user-fm")
		stored := contractSession("fm-key", contractCtx("team-b", "user-fm"))
		_, err := store.CreateSession(ctx, caller, stored)
		require.ErrorIs(t, err, ErrInvalidInput)
		assert.Contains(t, err.Error(), "team")

		got, _, err := store.GetSession(ctx, "fm-key")
		require.NoError(t, err)
		assert.Nil(t, got, "rejected create must not write")
	})

	t.Run("CreateConflictForLiveUser", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("team-1", "user-cc")
		_, err := store.CreateSession(ctx, tc, contractSession("cc-key-1", tc))
		require.NoError(t, err)

		_, err = store.CreateSession(ctx, tc, contractSession("cc-key-2", tc))
		require.ErrorIs(t, err, ErrConflict, "a user with a live session keeps it")

		// After removal the identity is free again.
		require.NoError(t, store.RemoveSession(ctx, "cc-key-1"))
		_, err = store.CreateSession(ctx, tc, contractSession("cc-key-2", tc))
		require.NoError(t, err)
	})

	t.Run("StaleCASRejectedWithCurrentToken", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("", "")
		sess := contractSession("cas-key", tc)

		c0, err := store.Put(ctx, sess)
		require.NoError(t, err)
		snapshot, current, err := store.GetSession(ctx, "cas-key")
		require.NoError(t, err)
		require.Equal(t, c0, current)

		writerA := snapshot.Clone()
		writerA.Cursor.OutboxSeq = 1
		c1, err := store.UpdateCAS(ctx, *writerA, current)
		require.NoError(t, err)
		assert.Greater(t, uint64(c1), uint64(c0))

		writerB := snapshot.Clone()
		writerB.Cursor.OutboxSeq = 2
		_, err = store.UpdateCAS(ctx, *writerB, current)
		require.ErrorIs(t, err, ErrConflict)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, c1, conflict.Current, "conflict carries the true current token")

		final, finalCas, err := store.GetSession(ctx, "cas-key")
		require.NoError(t, err)
		assert.Equal(t, c1, finalCas)
		assert.Equal(t, uint64(1), final.Cursor.OutboxSeq, "losing writer mutates nothing")
	})

	t.Run("UpdateCASOnMissingKey", func(t *testing.T) {
		store := open(t)
		sess := contractSession("ghost-key", contractCtx("", ""))
		_, err := store.UpdateCAS(ctx, sess, model.CasInitial)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("OutboxDedupIsIdempotent", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("", "")
		entry := model.OutboxEntry{Seq: 1, PayloadSHA256: "d1", CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
		sess := contractSession("dedupe-key", tc)
		sess.Outbox = []model.OutboxEntry{entry, entry, {Seq: 2, PayloadSHA256: "d2"}}

		_, err := store.Put(ctx, sess)
		require.NoError(t, err)
		got, cas, err := store.GetSession(ctx, "dedupe-key")
		require.NoError(t, err)
		require.Len(t, got.Outbox, 2, "duplicate entry dropped on write")

		// Re-submitting an already-seen pair is a no-op that still succeeds.
		resubmit := got.Clone()
		resubmit.Outbox = append(resubmit.Outbox, entry)
		_, err = store.UpdateCAS(ctx, *resubmit, cas)
		require.NoError(t, err)
		got, _, err = store.GetSession(ctx, "dedupe-key")
		require.NoError(t, err)
		assert.Len(t, got.Outbox, 2, "outbox length unchanged")
	})

	t.Run("UpdateSessionPreservesTenantBinding", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("team-1", "user-up")
		_, err := store.CreateSession(ctx, tc, contractSession("up-key", tc))
		require.NoError(t, err)

		moved := contractSession("up-key", contractCtx("team-2", "user-up"))
		err = store.UpdateSession(ctx, "up-key", moved)
		require.ErrorIs(t, err, ErrInvalidInput)

		got, _, err := store.GetSession(ctx, "up-key")
		require.NoError(t, err)
		assert.Equal(t, "team-1", got.Meta.TeamID, "stored record unchanged")

		ok := contractSession("up-key", tc)
		ok.Cursor.NodeID = "node.next"
		require.NoError(t, store.UpdateSession(ctx, "up-key", ok))
		got, _, err = store.GetSession(ctx, "up-key")
		require.NoError(t, err)
		assert.Equal(t, "node.next", got.Cursor.NodeID)
	})

	t.Run("UpdateSessionMissing", func(t *testing.T) {
		store := open(t)
		err := store.UpdateSession(ctx, "nope-key", contractSession("nope-key", contractCtx("", "")))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TouchAdvancesStateAndToken", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("", "")
		_, err := store.CreateSession(ctx, tc, contractSession("touch-key", tc))
		require.NoError(t, err)
		before, c0, err := store.GetSession(ctx, "touch-key")
		require.NoError(t, err)

		require.NoError(t, store.Touch(ctx, "touch-key", nil))
		after, c1, err := store.GetSession(ctx, "touch-key")
		require.NoError(t, err)
		assert.Greater(t, uint64(c1), uint64(c0), "touch is a write")
		assert.Equal(t, before.TTLSecs, after.TTLSecs, "omitted ttl leaves ttl_secs unchanged")
		assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

		noExpiry := uint32(0)
		require.NoError(t, store.Touch(ctx, "touch-key", &noExpiry))
		after, _, err = store.GetSession(ctx, "touch-key")
		require.NoError(t, err)
		assert.Equal(t, uint32(0), after.TTLSecs)

		require.ErrorIs(t, store.Touch(ctx, "touch-ghost", nil), ErrNotFound)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("team-1", "user-rm")
		key, err := store.CreateSession(ctx, tc, contractSession("rm-key", tc))
		require.NoError(t, err)

		require.NoError(t, store.RemoveSession(ctx, key))
		require.NoError(t, store.RemoveSession(ctx, key), "removing an absent key is not an error")

		got, _, err := store.GetSession(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
		foundKey, found, err := store.FindByUser(ctx, tc, "user-rm")
		require.NoError(t, err)
		assert.Empty(t, foundKey)
		assert.Nil(t, found, "index entry purged with the record")
	})

	t.Run("FindByUserNeverLeaksAcrossScope", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("team-a", "user-fl")
		key, err := store.CreateSession(ctx, tc, contractSession("fl-key", tc))
		require.NoError(t, err)

		otherTeam := contractCtx("team-b", "user-fl")
		_, found, err := store.FindByUser(ctx, otherTeam, "user-fl")
		require.NoError(t, err)
		assert.Nil(t, found, "lookup respects team boundary")

		_, found, err = store.FindByUser(ctx, tc, "user-other")
		require.NoError(t, err)
		assert.Nil(t, found, "lookup respects user binding")

		foundKey, found, err := store.FindByUser(ctx, tc, "user-fl")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, key, foundKey)
	})

	t.Run("EndToEndResumeFlow", func(t *testing.T) {
		store := open(t)
		tc := model.TenantCtx{Env: "dev", Tenant: "tenant-42", User: "user-7"}
		sess := model.Session{
			Key:     "e2e-key",
			Cursor:  model.SessionCursor{FlowID: "flow.onboarding", NodeID: "node.wait_input"},
			Meta:    model.MetaFromCtx(tc),
			TTLSecs: 600,
		}
		key, err := store.CreateSession(ctx, tc, sess)
		require.NoError(t, err)

		got, _, err := store.GetSession(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "node.wait_input", got.Cursor.NodeID)

		foundKey, _, err := store.FindByUser(ctx, tc, "user-7")
		require.NoError(t, err)
		assert.Equal(t, key, foundKey)

		require.NoError(t, store.RemoveSession(ctx, key))
		_, found, err := store.FindByUser(ctx, tc, "user-7")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("WaitsRoutedByScope", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("", "user-77")
		scopeA := model.ReplyScope{Conversation: "telegram:chat-a"}
		scopeB := model.ReplyScope{Conversation: "telegram:chat-b"}

		require.NoError(t, store.RegisterWait(ctx, tc, "user-77", scopeA, "wait-a", contractSession("wait-a", tc)))
		require.NoError(t, store.RegisterWait(ctx, tc, "user-77", scopeB, "wait-b", contractSession("wait-b", tc)))

		waits, err := store.ListWaitsForUser(ctx, tc, "user-77")
		require.NoError(t, err)
		assert.ElementsMatch(t, []model.SessionKey{"wait-a", "wait-b"}, waits)

		foundA, err := store.FindWaitByScope(ctx, tc, "user-77", scopeA)
		require.NoError(t, err)
		assert.Equal(t, model.SessionKey("wait-a"), foundA)
		foundB, err := store.FindWaitByScope(ctx, tc, "user-77", scopeB)
		require.NoError(t, err)
		assert.Equal(t, model.SessionKey("wait-b"), foundB)

		// Waits are invisible outside the caller's exact scope.
		otherTeam := contractCtx("team-x", "user-77")
		foreign, err := store.FindWaitByScope(ctx, otherTeam, "user-77", scopeA)
		require.NoError(t, err)
		assert.Empty(t, foreign)

		require.NoError(t, store.ClearWait(ctx, tc, "user-77", scopeA))
		gone, err := store.FindWaitByScope(ctx, tc, "user-77", scopeA)
		require.NoError(t, err)
		assert.Empty(t, gone)
		got, _, err := store.GetSession(ctx, "wait-a")
		require.NoError(t, err)
		assert.Nil(t, got, "clearing a wait removes its session")

		waits, err = store.ListWaitsForUser(ctx, tc, "user-77")
		require.NoError(t, err)
		assert.Equal(t, []model.SessionKey{"wait-b"}, waits)

		require.NoError(t, store.ClearWait(ctx, tc, "user-77", scopeA), "clearing an absent wait is not an error")
	})

	t.Run("ReRegisterScopeSwapsSession", func(t *testing.T) {
		store := open(t)
		tc := contractCtx("", "user-swap")
		scope := model.ReplyScope{Conversation: "webchat:thread-1"}

		require.NoError(t, store.RegisterWait(ctx, tc, "user-swap", scope, "swap-old", contractSession("swap-old", tc)))
		require.NoError(t, store.RegisterWait(ctx, tc, "user-swap", scope, "swap-new", contractSession("swap-new", tc)))

		found, err := store.FindWaitByScope(ctx, tc, "user-swap", scope)
		require.NoError(t, err)
		assert.Equal(t, model.SessionKey("swap-new"), found)

		waits, err := store.ListWaitsForUser(ctx, tc, "user-swap")
		require.NoError(t, err)
		assert.Equal(t, []model.SessionKey{"swap-new"}, waits, "old wait dropped from the user set")
	})
}
