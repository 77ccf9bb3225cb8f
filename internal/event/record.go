package event

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the inbound shape collectors submit. Details stay raw until the
// record passes validation.
type Record struct {
	ID            string          `json:"id,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	Kind          Kind            `json:"type"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	PromptID      string          `json:"prompt_id,omitempty"`
	LinkedEntryID string          `json:"linked_entry_id,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// NewRecord builds a record from typed details.
func NewRecord(kind Kind, details Details) (Record, error) {
	raw, err := MarshalDetails(details)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, Details: raw}, nil
}

// Normalize converts a validated record into an Event. A missing timestamp
// becomes now and a missing id becomes a fresh uuid.
func Normalize(r Record, now time.Time) (*Event, error) {
	details, err := DecodeDetails(r.Kind, r.Details)
	if err != nil {
		return nil, err
	}

	e := &Event{
		ID:            strings.TrimSpace(r.ID),
		Timestamp:     r.Timestamp,
		Kind:          r.Kind,
		WorkspaceID:   r.WorkspaceID,
		Details:       details,
		PromptID:      r.PromptID,
		LinkedEntryID: r.LinkedEntryID,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp <= 0 {
		e.Timestamp = now.UnixMilli()
	}

	if fc, ok := details.(*FileChangeDetails); ok {
		if fc.Path == "" {
			return nil, fmt.Errorf("file change %s: missing path", e.ID)
		}
		fc.Path = NormalizePath(fc.Path)
		if fc.OldPath != "" {
			fc.OldPath = NormalizePath(fc.OldPath)
		}
	}
	if pd, ok := details.(*PromptDetails); ok {
		pd.AtFiles = DedupePaths(pd.AtFiles)
		pd.ContextFiles = DedupePaths(pd.ContextFiles)
	}

	return e, nil
}

// NormalizePath returns an absolute, cleaned OS path. Comparison on the
// result is byte-exact.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// FileID derives the stable file identity from a normalized path.
func FileID(path string) string {
	h := fnv.New32a()
	h.Write([]byte(path))
	return "FILE_" + strconv.FormatUint(uint64(h.Sum32()), 36)
}

// EstimateTokens approximates an LLM token count as the mean of 1.3 tokens
// per word and one token per four bytes.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	estimate := (float64(words)*1.3 + float64(len(text))/4.0) / 2.0
	return int(math.Ceil(estimate))
}
