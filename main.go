package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/joho/godotenv"

	src "github.com/greentic/greentic-session/src"
	"github.com/greentic/greentic-session/src/logger"
	"github.com/greentic/greentic-session/src/mapping"
	"github.com/greentic/greentic-session/src/model"
	"github.com/greentic/greentic-session/src/session"
)

// Quickstart: create a paused-flow session, look it up through the user
// index, resume it with a CAS-guarded update, and remove it.
func main() {
	// Load .env file if present (for REDIS_URL, SESSION_BACKEND, ...)
	_ = godotenv.Load()

	config, err := src.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(config.LogConfig); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx := context.Background()
	store, err := session.New(ctx, config.SessionConfig)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build session store")
		return
	}
	defer store.Close()

	tc := model.TenantCtx{Env: "dev", Tenant: "tenant-42", User: "user-7"}
	key := mapping.TelegramSessionKey("bot-1", "chat-100", "user-7")

	sess := model.Session{
		Key: key,
		Cursor: model.SessionCursor{
			FlowID:     "flow.onboarding",
			NodeID:     "node.wait_input",
			WaitReason: "awaiting user reply",
		},
		Meta:    model.MetaFromCtx(tc),
		TTLSecs: config.SessionConfig.DefaultTTLSecs,
	}

	created, err := store.CreateSession(ctx, tc, sess)
	if err != nil {
		logger.Error().Err(err).Msg("create failed")
		return
	}
	logger.Info().Str("key", created.String()).Msg("session created")

	foundKey, found, err := store.FindByUser(ctx, tc, "user-7")
	if err != nil || found == nil {
		logger.Error().Err(err).Msg("lookup failed")
		return
	}
	logger.Info().
		Str("key", foundKey.String()).
		Str("node", found.Cursor.NodeID).
		Msg("session found by user")

	// Resume: advance the cursor and record the emitted side effect, guarded
	// by the CAS token observed at read time.
	_, cas, err := store.GetSession(ctx, foundKey)
	if err != nil {
		logger.Error().Err(err).Msg("read failed")
		return
	}
	payload := []byte(`{"text":"welcome back"}`)
	digest := sha256.Sum256(payload)
	found.Cursor.NodeID = "node.send_reply"
	found.Cursor.OutboxSeq++
	found.Outbox = append(found.Outbox, model.OutboxEntry{
		Seq:           found.Cursor.OutboxSeq,
		PayloadSHA256: hex.EncodeToString(digest[:]),
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	})
	newCas, err := store.UpdateCAS(ctx, *found, cas)
	if err != nil {
		logger.Error().Err(err).Msg("resume failed")
		return
	}
	logger.Info().Uint64("cas", uint64(newCas)).Msg("session resumed")

	if err := store.RemoveSession(ctx, foundKey); err != nil {
		logger.Error().Err(err).Msg("remove failed")
		return
	}
	logger.Info().Msg("session removed")
}
