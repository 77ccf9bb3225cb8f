// Package event defines the normalized development-event model shared by
// collectors, the ingestor, the store and the correlator.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags an event with its source category.
type Kind string

const (
	KindFileChange     Kind = "file_change"
	KindCodeChange     Kind = "code_change"
	KindTerminal       Kind = "terminal"
	KindPrompt         Kind = "prompt"
	KindStateCreate    Kind = "state_create"
	KindStateFork      Kind = "state_fork"
	KindStateSwitch    Kind = "state_switch"
	KindStateMerge     Kind = "state_merge"
	KindResourceSample Kind = "resource_sample"
	KindGitCommit      Kind = "git_commit"
)

// Kinds lists every kind the pipeline understands.
var Kinds = []Kind{
	KindFileChange, KindCodeChange, KindTerminal, KindPrompt,
	KindStateCreate, KindStateFork, KindStateSwitch, KindStateMerge,
	KindResourceSample, KindGitCommit,
}

// Known reports whether k is one of the fixed kinds.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsChange reports whether the kind carries a source edit.
func (k Kind) IsChange() bool {
	return k == KindFileChange || k == KindCodeChange
}

// Critical kinds are never shed under back-pressure.
func (k Kind) Critical() bool {
	return k == KindFileChange || k == KindCodeChange || k == KindPrompt
}

// Event is a normalized record. Timestamps are milliseconds since the epoch.
type Event struct {
	ID            string
	Timestamp     int64
	Kind          Kind
	WorkspaceID   string
	Details       Details
	PromptID      string
	LinkedEntryID string

	// Unresolved is set on read when a linkage field names a record the
	// store does not hold.
	Unresolved bool
}

// FileChange returns the change details when the event is a file or code change.
func (e *Event) FileChange() (*FileChangeDetails, bool) {
	d, ok := e.Details.(*FileChangeDetails)
	return d, ok
}

type eventJSON struct {
	ID            string          `json:"id"`
	Timestamp     int64           `json:"timestamp"`
	Kind          Kind            `json:"type"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	PromptID      string          `json:"prompt_id,omitempty"`
	LinkedEntryID string          `json:"linked_entry_id,omitempty"`
}

// MarshalJSON renders the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := MarshalDetails(e.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		Kind:          e.Kind,
		WorkspaceID:   e.WorkspaceID,
		Details:       raw,
		PromptID:      e.PromptID,
		LinkedEntryID: e.LinkedEntryID,
	})
}

// UnmarshalJSON decodes the wire shape, resolving details by kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	details, err := DecodeDetails(w.Kind, w.Details)
	if err != nil {
		return fmt.Errorf("event %s: %w", w.ID, err)
	}
	*e = Event{
		ID:            w.ID,
		Timestamp:     w.Timestamp,
		Kind:          w.Kind,
		WorkspaceID:   w.WorkspaceID,
		Details:       details,
		PromptID:      w.PromptID,
		LinkedEntryID: w.LinkedEntryID,
	}
	return nil
}

// Prompt is an AI interaction. Text is never null; file sets are
// deduplicated and sorted.
type Prompt struct {
	ID                   string   `json:"id"`
	Timestamp            int64    `json:"timestamp"`
	Role                 string   `json:"role,omitempty"`
	Text                 string   `json:"text"`
	Response             string   `json:"response,omitempty"`
	Model                string   `json:"model,omitempty"`
	WorkspaceID          string   `json:"workspace_id,omitempty"`
	WorkspacePath        string   `json:"workspace_path,omitempty"`
	ConversationID       string   `json:"conversation_id,omitempty"`
	ParentConversationID string   `json:"parent_conversation_id,omitempty"`
	LinkedEntryID        string   `json:"linked_entry_id,omitempty"`
	AtFiles              []string `json:"at_files,omitempty"`
	ContextFiles         []string `json:"context_files,omitempty"`
	EstimatedTokens      int      `json:"estimated_tokens,omitempty"`

	Unresolved bool `json:"-"`
}

// PromptFromEvent projects a prompt-kind event onto the Prompt entity.
func PromptFromEvent(e *Event) *Prompt {
	p := &Prompt{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		WorkspaceID:   e.WorkspaceID,
		LinkedEntryID: e.LinkedEntryID,
	}
	if d, ok := e.Details.(*PromptDetails); ok {
		p.Role = d.Role
		p.Text = d.Text
		p.Response = d.Response
		p.Model = d.Model
		p.WorkspacePath = d.WorkspacePath
		p.ConversationID = d.ConversationID
		p.ParentConversationID = d.ParentConversationID
		p.AtFiles = d.AtFiles
		p.ContextFiles = d.ContextFiles
		if d.LinkedEntryID != "" && p.LinkedEntryID == "" {
			p.LinkedEntryID = d.LinkedEntryID
		}
	}
	p.Normalize()
	return p
}

// Normalize enforces the prompt invariants in place.
func (p *Prompt) Normalize() {
	p.AtFiles = DedupePaths(p.AtFiles)
	p.ContextFiles = DedupePaths(p.ContextFiles)
	if p.EstimatedTokens == 0 && p.Text != "" {
		p.EstimatedTokens = EstimateTokens(p.Text)
	}
}

// DedupePaths returns the sorted set of non-empty paths.
func DedupePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
