package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func validEnvelope() Envelope {
	return New("host-a", TypeActivity, Payload{
		SessionID: "00000000-0000-0000-0000-000000000001",
		Project:   "p",
	})
}

func TestNewIDShape(t *testing.T) {
	id := NewID()
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("id %q missing evt_ prefix", id)
	}
	suffix := strings.TrimPrefix(id, "evt_")
	if len(suffix) != 20 {
		t.Fatalf("id suffix length = %d, want 20", len(suffix))
	}
	for _, r := range suffix {
		if !strings.ContainsRune(idAlphabet, r) {
			t.Fatalf("id suffix contains disallowed rune %q", r)
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateGood(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("expected valid envelope, got error: %v", err)
	}
}

func TestValidateRejectsNonUUIDSessionID(t *testing.T) {
	e := validEnvelope()
	e.Payload.SessionID = "not-a-uuid"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for non-UUID sessionId")
	}
}

func TestValidateRejectsBadType(t *testing.T) {
	e := validEnvelope()
	e.Type = "bogus"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for invalid type")
	}
}

func TestValidateRejectsEmbeddedNewline(t *testing.T) {
	e := validEnvelope()
	e.Payload.Project = "line1\nline2"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for embedded newline")
	}
}

func TestValidateRejectsOversize(t *testing.T) {
	e := validEnvelope()
	e.Payload.Summary = strings.Repeat("a", MaxSize)
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for oversized envelope")
	}
}

func TestRoundTripStructuralEquality(t *testing.T) {
	e := validEnvelope()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestValidateRejectsBadTimestamp(t *testing.T) {
	e := validEnvelope()
	e.Timestamp = "not-a-timestamp"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for invalid timestamp")
	}
}
