package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/greentic/greentic-session/src/model"
)

// The Redis backend stores each session as a single JSON envelope:
//
//	{"cas":N,"updated_at":"...","ttl_secs":N,"lookup":"...","session":{...}}
//
// The field order is fixed and the envelope is assembled by string splicing,
// never by re-encoding: the server-side scripts read cas/ttl_secs/lookup with
// plain string matching and splice new envelopes the same way, so the session
// payload passes through Redis byte for byte. The cas, updated_at and
// ttl_secs envelope fields are authoritative; the copies inside the session
// payload are overwritten from the envelope on decode.

type envelope struct {
	Cas       uint64          `json:"cas"`
	UpdatedAt time.Time       `json:"updated_at"`
	TTLSecs   uint32          `json:"ttl_secs"`
	Lookup    string          `json:"lookup"`
	Session   json.RawMessage `json:"session"`
}

// encodeEnvelopeTail renders everything after the cas field. The scripts
// prepend `{"cas":N` with the server-computed token.
func encodeEnvelopeTail(sess *model.Session, lookup string) (string, error) {
	payload, err := sonic.Marshal(sess)
	if err != nil {
		return "", serializationError(err)
	}
	stamp, err := sonic.Marshal(sess.UpdatedAt)
	if err != nil {
		return "", serializationError(err)
	}
	quotedLookup, err := sonic.Marshal(lookup)
	if err != nil {
		return "", serializationError(err)
	}
	return fmt.Sprintf(`,"updated_at":%s,"ttl_secs":%d,"lookup":%s,"session":%s}`,
		stamp, sess.TTLSecs, quotedLookup, payload), nil
}

// decodeEnvelope parses a stored envelope back into a session and its token.
func decodeEnvelope(raw []byte) (*model.Session, model.Cas, string, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, model.CasNone, "", serializationError(err)
	}
	var sess model.Session
	if err := sonic.Unmarshal(env.Session, &sess); err != nil {
		return nil, model.CasNone, "", serializationError(err)
	}
	sess.UpdatedAt = env.UpdatedAt
	sess.TTLSecs = env.TTLSecs
	return &sess, model.Cas(env.Cas), env.Lookup, nil
}
