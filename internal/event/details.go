package event

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"devcompanion/internal/diffstat"
)

// Details is the closed set of per-kind payloads. Unknown kinds decode to
// OpaqueDetails so newer collectors do not lose data.
type Details interface {
	detailsVariant() string
}

// FileChangeDetails describes a source edit.
type FileChangeDetails struct {
	Path        string              `json:"path"`
	OldPath     string              `json:"old_path,omitempty"`
	Language    string              `json:"language,omitempty"`
	BeforeText  string              `json:"before_text,omitempty"`
	AfterText   string              `json:"after_text,omitempty"`
	TextElided  bool                `json:"text_elided,omitempty"`
	Stats       diffstat.Stats      `json:"stats"`
	ChangeType  diffstat.ChangeType `json:"change_type,omitempty"`
	Similarity  float64             `json:"similarity,omitempty"`
	UnifiedDiff string              `json:"unified_diff,omitempty"`
	Source      string              `json:"source,omitempty"`
}

// TerminalDetails describes a shell command observed by a terminal hook.
type TerminalDetails struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Shell      string `json:"shell,omitempty"`
}

// PromptDetails carries an AI interaction before projection onto Prompt.
type PromptDetails struct {
	Role                 string   `json:"role,omitempty"`
	Text                 string   `json:"text"`
	Response             string   `json:"response,omitempty"`
	Model                string   `json:"model,omitempty"`
	WorkspacePath        string   `json:"workspace_path,omitempty"`
	ConversationID       string   `json:"conversation_id,omitempty"`
	ParentConversationID string   `json:"parent_conversation_id,omitempty"`
	LinkedEntryID        string   `json:"linked_entry_id,omitempty"`
	AtFiles              []string `json:"at_files,omitempty"`
	ContextFiles         []string `json:"context_files,omitempty"`
}

// StateDetails covers state_create, state_fork, state_switch and state_merge.
type StateDetails struct {
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	Target      string `json:"target,omitempty"`
	Description string `json:"description,omitempty"`
}

// ResourceSampleDetails is a periodic process/OS sample.
type ResourceSampleDetails struct {
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	SysBytes       uint64  `json:"sys_bytes"`
	Goroutines     int     `json:"goroutines"`
	NumGC          uint32  `json:"num_gc"`
	LoadAverage    float64 `json:"load_average,omitempty"`
}

// GitCommitDetails records a HEAD movement seen by the git poller.
type GitCommitDetails struct {
	Repository   string `json:"repository"`
	Branch       string `json:"branch,omitempty"`
	Head         string `json:"head"`
	PreviousHead string `json:"previous_head,omitempty"`
	Message      string `json:"message,omitempty"`
	Rollback     bool   `json:"rollback,omitempty"`
}

// OpaqueDetails keeps an unrecognized payload verbatim.
type OpaqueDetails struct {
	Raw json.RawMessage
}

func (*FileChangeDetails) detailsVariant() string     { return "file_change" }
func (*TerminalDetails) detailsVariant() string       { return "terminal" }
func (*PromptDetails) detailsVariant() string         { return "prompt" }
func (*StateDetails) detailsVariant() string          { return "state" }
func (*ResourceSampleDetails) detailsVariant() string { return "resource_sample" }
func (*GitCommitDetails) detailsVariant() string      { return "git_commit" }
func (*OpaqueDetails) detailsVariant() string         { return "opaque" }

// NewDetails returns an empty payload of the variant used for kind.
func NewDetails(kind Kind) Details {
	switch kind {
	case KindFileChange, KindCodeChange:
		return &FileChangeDetails{}
	case KindTerminal:
		return &TerminalDetails{}
	case KindPrompt:
		return &PromptDetails{}
	case KindStateCreate, KindStateFork, KindStateSwitch, KindStateMerge:
		return &StateDetails{}
	case KindResourceSample:
		return &ResourceSampleDetails{}
	case KindGitCommit:
		return &GitCommitDetails{}
	default:
		return &OpaqueDetails{}
	}
}

// DecodeDetails decodes raw JSON into the variant for kind.
func DecodeDetails(kind Kind, raw json.RawMessage) (Details, error) {
	d := NewDetails(kind)
	if o, ok := d.(*OpaqueDetails); ok {
		if len(raw) > 0 {
			o.Raw = append(json.RawMessage(nil), raw...)
		}
		return o, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", kind, err)
	}
	return d, nil
}

// MarshalDetails renders details as RFC 8785 canonical JSON.
func MarshalDetails(d Details) (json.RawMessage, error) {
	var raw []byte
	switch v := d.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case *OpaqueDetails:
		if len(v.Raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		raw = v.Raw
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		raw = b
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize details: %w", err)
	}
	return canonical, nil
}
