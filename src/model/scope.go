package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// ReplyScope identifies the conversational slot a paused flow is waiting on,
// so a connector reply can be routed back to the right wait even when one
// user has several flows paused at once.
type ReplyScope struct {
	Conversation string `json:"conversation"`
	Thread       string `json:"thread,omitempty"`
	ReplyTo      string `json:"reply_to,omitempty"`
	Correlation  string `json:"correlation,omitempty"`
}

// ScopeHash returns a stable digest of the scope fields, usable as an index
// key component. The field separator makes ("a","b") and ("ab","") distinct.
func (s ReplyScope) ScopeHash() string {
	h := sha256.New()
	for _, part := range []string{s.Conversation, s.Thread, s.ReplyTo, s.Correlation} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
