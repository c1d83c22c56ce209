// Package privacy implements the PrivacyFilter: a pure projection from a raw
// Claude Code session-transcript record to zero or more wire envelopes,
// enforcing the field allowlists from spec §4.1. Nothing here ever copies
// file contents, diffs, prompts, assistant text, shell commands, search
// queries, URLs, thinking text, error messages, or full paths into an
// envelope — only the declared fields, drawn from declared sources.
package privacy

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/vibetea/vibetea/internal/envelope"
)

// fileOperatingTools is the allowlist of tool names considered
// file-operating for the purpose of extracting a `context` basename. Bash is
// handled separately: it never yields a path-derived context, only its
// description field. This resolves spec §9's open question; see
// SPEC_FULL.md §9.
var fileOperatingTools = map[string]bool{
	"Read":         true,
	"Write":        true,
	"Edit":         true,
	"NotebookEdit": true,
}

// Context carries the information the filter needs about a record's
// position in its session file that the record itself doesn't encode: the
// already-validated session UUID, the project derived from the parent
// directory, and whether this is the first record observed in a freshly
// discovered file (which additionally emits a session/started envelope).
type Context struct {
	SessionID   string
	Project     string
	FirstRecord bool
}

// Filter projects raw records into envelopes. The zero value is a usable,
// permissive filter (empty basename allowlist passes everything).
type Filter struct {
	// BasenameAllowlist restricts which file extensions may appear in a
	// `context` field. Empty means all basenames pass. Any basename whose
	// extension isn't listed is replaced with the literal "[filtered]".
	BasenameAllowlist []string

	dropped atomic.Int64
}

// Dropped returns the number of raw records dropped because they are not
// valid JSON, their assistant message cannot be decoded, or their type tag
// is not recognized. file-history-snapshot and system records are not
// counted.
func (f *Filter) Dropped() int64 {
	return f.dropped.Load()
}

// Project maps one raw JSONL line to the envelopes it produces. line must
// not include the trailing newline. An unparseable line is dropped (counted
// via Dropped) and returns nil; there is no error result: parse
// failure here is an expected, routine event, not a caller-visible failure.
func (f *Filter) Project(source string, line []byte, ctx Context) []envelope.Envelope {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		f.dropped.Add(1)
		return nil
	}

	var out []envelope.Envelope
	if ctx.FirstRecord {
		out = append(out, envelope.New(source, envelope.TypeSession, envelope.Payload{
			SessionID: ctx.SessionID,
			Project:   ctx.Project,
			Action:    "started",
		}))
	}

	switch rec.Type {
	case "assistant":
		out = append(out, f.projectAssistant(source, rec, ctx)...)
	case "progress":
		out = append(out, f.projectProgress(source, rec, ctx)...)
	case "user":
		out = append(out, envelope.New(source, envelope.TypeActivity, envelope.Payload{
			SessionID: ctx.SessionID,
			Project:   ctx.Project,
		}))
	case "summary":
		out = append(out, f.projectSummary(source, rec, ctx)...)
	case "file-history-snapshot", "system":
		// Carries only prohibited content (diffs, snapshots, internal
		// bookkeeping) or nothing projectable; emit nothing.
	default:
		f.dropped.Add(1)
	}

	return out
}

func (f *Filter) projectAssistant(source string, rec rawRecord, ctx Context) []envelope.Envelope {
	if rec.Message == nil {
		return nil
	}
	var msg rawMessage
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		f.dropped.Add(1)
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		// Content may be a plain string (text-only message); nothing to
		// project, and it's not a parse failure.
		return nil
	}

	var out []envelope.Envelope
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		out = append(out, envelope.New(source, envelope.TypeTool, envelope.Payload{
			SessionID: ctx.SessionID,
			Project:   ctx.Project,
			Tool:      b.Name,
			Status:    "started",
			Context:   f.contextFor(b.Name, b.Input),
		}))
	}
	return out
}

func (f *Filter) projectProgress(source string, rec rawRecord, ctx Context) []envelope.Envelope {
	if rec.ToolName == "" {
		return nil
	}
	return []envelope.Envelope{envelope.New(source, envelope.TypeTool, envelope.Payload{
		SessionID: ctx.SessionID,
		Project:   ctx.Project,
		Tool:      rec.ToolName,
		Status:    "completed",
	})}
}

func (f *Filter) projectSummary(source string, rec rawRecord, ctx Context) []envelope.Envelope {
	out := []envelope.Envelope{envelope.New(source, envelope.TypeSession, envelope.Payload{
		SessionID: ctx.SessionID,
		Project:   ctx.Project,
		Action:    "ended",
	})}

	if isPlain(rec.Summary) {
		out = append(out, envelope.New(source, envelope.TypeSummary, envelope.Payload{
			SessionID: ctx.SessionID,
			Summary:   rec.Summary,
		}))
	}
	return out
}

// contextFor derives the `context` payload field for a tool_use block,
// never copying a prohibited field. Bash yields only its human description,
// never the command. File-operating tools yield only the basename of their
// path-like input, reduced further by BasenameAllowlist. Every other tool
// yields no context at all.
func (f *Filter) contextFor(tool string, rawInput json.RawMessage) string {
	if rawInput == nil {
		return ""
	}
	var in toolInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return ""
	}

	if tool == "Bash" {
		return in.Description
	}

	if !fileOperatingTools[tool] {
		return ""
	}

	path := in.FilePath
	if path == "" {
		path = in.Path
	}
	if path == "" {
		path = in.NotebookPath
	}
	if path == "" {
		return ""
	}

	base := filepath.Base(path)
	return f.applyBasenameAllowlist(base)
}

func (f *Filter) applyBasenameAllowlist(base string) string {
	if len(f.BasenameAllowlist) == 0 {
		return base
	}
	ext := filepath.Ext(base)
	for _, allowed := range f.BasenameAllowlist {
		if strings.EqualFold(ext, allowed) {
			return base
		}
	}
	return "[filtered]"
}

// isPlain reports whether a summary string is non-empty plain text: no
// control characters or embedded newlines, and not all whitespace.
func isPlain(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if r == '\n' || r == '\r' || r < 0x20 {
			return false
		}
	}
	return true
}
