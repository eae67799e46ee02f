// Package mapping derives stable session keys from connector identifiers.
//
// Both derivations apply a one-way SHA-256 digest, hex encoded, so raw
// connector identifiers are never persisted inside the key itself. Identical
// inputs always produce the identical key across process restarts, which is
// what lets a runner resume a paused flow without a caller-supplied opaque
// key. Downstream systems persist these keys, so the algorithm and encoding
// are fixed: SHA-256 over the prefixed, colon-joined inputs, lowercase hex.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/greentic/greentic-session/src/model"
)

// TelegramSessionKey derives a session key from Telegram update fields.
// Inputs are strings the caller extracts from its payload.
func TelegramSessionKey(botID, chatID, userID string) model.SessionKey {
	return model.SessionKey(hexSHA(fmt.Sprintf("tg:%s:%s:%s", botID, chatID, userID)))
}

// WebhookSessionKey derives a session key from a generic webhook callback
// (source + subject, plus an optional id hint such as a delivery id).
func WebhookSessionKey(source, subject, idHint string) model.SessionKey {
	return model.SessionKey(hexSHA(fmt.Sprintf("wh:%s:%s:%s", source, subject, idHint)))
}

func hexSHA(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
