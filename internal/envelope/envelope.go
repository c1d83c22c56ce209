// Package envelope defines the wire format shared by the Monitor and the
// Hub: a fixed envelope schema with a small set of known types and a
// declared, allowlisted payload. The same struct is used in-process and for
// the JSON carried over HTTP and WebSocket.
package envelope

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSize is the maximum serialized size of a single envelope, per spec.
const MaxSize = 4 * 1024

// Type is the closed set of envelope kinds.
type Type string

const (
	TypeSession  Type = "session"
	TypeActivity Type = "activity"
	TypeTool     Type = "tool"
	TypeAgent    Type = "agent"
	TypeSummary  Type = "summary"
	TypeError    Type = "error"
)

func (t Type) valid() bool {
	switch t {
	case TypeSession, TypeActivity, TypeTool, TypeAgent, TypeSummary, TypeError:
		return true
	}
	return false
}

// Payload is the declared set of fields an envelope may carry. Every field
// is a scalar; there are no nested objects or arrays. json tags with
// omitempty keep undeclared fields out of the wire form entirely, which is
// what keeps the PrivacyFilter's allowlist enforceable end to end.
type Payload struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Status    string `json:"status,omitempty"`
	Context   string `json:"context,omitempty"`
	Action    string `json:"action,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Envelope is the canonical event record.
type Envelope struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Timestamp string  `json:"timestamp"`
	Type      Type    `json:"type"`
	Payload   Payload `json:"payload"`
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates an opaque id of the form evt_<20 lowercase alphanumerics>.
// No dependency in the retrieval pack produces this exact shape (google/uuid
// is the wrong format, there is no xid/ksuid import anywhere in the pack),
// so this draws directly from crypto/rand rather than adopting a mismatched
// library — see DESIGN.md.
func NewID() string {
	var buf [20]byte
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which is a fatal runtime condition elsewhere in the process too.
		panic(fmt.Sprintf("envelope: reading random id bytes: %v", err))
	}
	for i, b := range raw {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return "evt_" + string(buf[:])
}

// New builds an envelope, stamping id and timestamp, for the given source,
// type, and payload.
func New(source string, typ Type, payload Payload) Envelope {
	return Envelope{
		ID:        NewID(),
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      typ,
		Payload:   payload,
	}
}

// hasControlOrNewline reports whether s contains an embedded newline or a
// C0 control character, which every string field of an envelope must not.
func hasControlOrNewline(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\r' || r < 0x20 {
			return true
		}
	}
	return false
}

// Validate enforces the envelope invariants from spec §3: every field
// populated appropriately, payload.sessionId is a UUID, no string field
// contains control characters or embedded newlines, and the serialized form
// fits within MaxSize.
func (e Envelope) Validate() error {
	if e.ID == "" || !strings.HasPrefix(e.ID, "evt_") {
		return fmt.Errorf("envelope: invalid id %q", e.ID)
	}
	if e.Source == "" {
		return fmt.Errorf("envelope: missing source")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("envelope: invalid timestamp %q: %w", e.Timestamp, err)
	}
	if !e.Type.valid() {
		return fmt.Errorf("envelope: invalid type %q", e.Type)
	}
	if _, err := uuid.Parse(e.Payload.SessionID); err != nil {
		return fmt.Errorf("envelope: payload.sessionId is not a UUID: %w", err)
	}

	fields := []string{e.ID, e.Source, e.Timestamp, string(e.Type),
		e.Payload.SessionID, e.Payload.Project, e.Payload.Tool,
		e.Payload.Status, e.Payload.Context, e.Payload.Action, e.Payload.Summary}
	for _, f := range fields {
		if hasControlOrNewline(f) {
			return fmt.Errorf("envelope: field contains control character or newline")
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("envelope: marshal: %w", err)
	}
	if len(data) > MaxSize {
		return fmt.Errorf("envelope: serialized size %d exceeds %d byte limit", len(data), MaxSize)
	}
	return nil
}
