// Package correlate links prompts to the changes they produced and groups
// activity into temporal sessions and conversation hierarchies.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"devcompanion/internal/event"
)

// Source is the read side of the store the correlator needs.
type Source interface {
	GetPrompt(ctx context.Context, id string) (*event.Prompt, error)
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	EventsByPromptID(ctx context.Context, promptID string) ([]*event.Event, error)
	EventsInRange(ctx context.Context, from, to int64, kinds ...event.Kind) ([]*event.Event, error)
	PromptsInRange(ctx context.Context, from, to int64) ([]*event.Prompt, error)
}

// Config holds the correlation window, the scoring weights and the session
// gap. Zero fields take their defaults.
type Config struct {
	WindowBeforeMs int64
	WindowAfterMs  int64
	TemporalWeight float64
	SequenceWeight float64
	HalfLifeMs     int64
	SessionGapMs   int64
}

// DefaultConfig returns the standard window and weights.
func DefaultConfig() Config {
	return Config{
		WindowBeforeMs: 300_000,
		WindowAfterMs:  1_800_000,
		TemporalWeight: 0.7,
		SequenceWeight: 0.3,
		HalfLifeMs:     120_000,
		SessionGapMs:   300_000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowBeforeMs <= 0 {
		c.WindowBeforeMs = def.WindowBeforeMs
	}
	if c.WindowAfterMs <= 0 {
		c.WindowAfterMs = def.WindowAfterMs
	}
	if c.TemporalWeight <= 0 && c.SequenceWeight <= 0 {
		c.TemporalWeight, c.SequenceWeight = def.TemporalWeight, def.SequenceWeight
	}
	if c.HalfLifeMs <= 0 {
		c.HalfLifeMs = def.HalfLifeMs
	}
	if c.SessionGapMs <= 0 {
		c.SessionGapMs = def.SessionGapMs
	}
	return c
}

// ExplicitScore is the score of a change linked by id.
const ExplicitScore = 1.0

// maxTemporalScore keeps every inferred link below an explicit one.
const maxTemporalScore = 0.99

// Candidate is a change ranked against a prompt.
type Candidate struct {
	EventID  string  `json:"event_id"`
	Path     string  `json:"path,omitempty"`
	Score    float64 `json:"score"`
	Explicit bool    `json:"explicit"`
	// Before is true when the change happened before the prompt.
	Before  bool  `json:"before"`
	DeltaMs int64 `json:"delta_ms"`
	// Distance counts the changes between this one and the prompt on the
	// same side of it.
	Distance int `json:"distance"`
}

// Correlator ranks changes against prompts.
type Correlator struct {
	src    Source
	cfg    Config
	logger *slog.Logger
}

// New returns a correlator reading from src.
func New(src Source, cfg Config, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{src: src, cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config { return c.cfg }

// Correlate returns the changes linked to promptID, best first. Explicit
// links score 1.0; other changes in the window get a temporal score below
// that. An unknown prompt yields no candidates and no error.
func (c *Correlator) Correlate(ctx context.Context, promptID string) ([]Candidate, error) {
	p, err := c.src.GetPrompt(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("load prompt: %w", err)
	}
	if p == nil {
		c.logger.Debug("correlate: prompt not found", "prompt_id", promptID)
		return nil, nil
	}

	explicit, err := c.explicit(ctx, p)
	if err != nil {
		return nil, err
	}

	from, to := p.Timestamp-c.cfg.WindowBeforeMs, p.Timestamp+c.cfg.WindowAfterMs
	nearby, err := c.src.EventsInRange(ctx, from, to, event.KindFileChange, event.KindCodeChange)
	if err != nil {
		return nil, fmt.Errorf("load changes in window: %w", err)
	}

	out := make([]Candidate, 0, len(explicit)+len(nearby))
	seen := make(map[string]bool, len(explicit))
	for _, e := range explicit {
		seen[e.ID] = true
		out = append(out, Candidate{
			EventID:  e.ID,
			Path:     changePath(e),
			Score:    ExplicitScore,
			Explicit: true,
			Before:   e.Timestamp < p.Timestamp,
			DeltaMs:  e.Timestamp - p.Timestamp,
		})
	}

	var before, after []*event.Event
	for _, e := range nearby {
		if seen[e.ID] {
			continue
		}
		// Changes explicitly claimed by another prompt are not re-linked.
		if e.PromptID != "" && e.PromptID != p.ID {
			continue
		}
		if e.Timestamp < p.Timestamp {
			before = append(before, e)
		} else {
			after = append(after, e)
		}
	}
	// Nearest first on each side; EventsInRange is ascending.
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	for dist, e := range after {
		out = append(out, c.temporal(p, e, dist))
	}
	for dist, e := range before {
		out = append(out, c.temporal(p, e, dist))
	}

	SortCandidates(out)
	return out, nil
}

func (c *Correlator) explicit(ctx context.Context, p *event.Prompt) ([]*event.Event, error) {
	linked, err := c.src.EventsByPromptID(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load linked changes: %w", err)
	}
	var out []*event.Event
	for _, e := range linked {
		if e.Kind.IsChange() {
			out = append(out, e)
		}
	}
	if p.LinkedEntryID == "" {
		return out, nil
	}
	for _, e := range out {
		if e.ID == p.LinkedEntryID {
			return out, nil
		}
	}
	e, err := c.src.GetEvent(ctx, p.LinkedEntryID)
	if err != nil {
		return nil, fmt.Errorf("load linked entry: %w", err)
	}
	if e == nil || !e.Kind.IsChange() {
		c.logger.Debug("correlate: linked entry unresolved", "prompt_id", p.ID, "entry_id", p.LinkedEntryID)
		return out, nil
	}
	return append(out, e), nil
}

func (c *Correlator) temporal(p *event.Prompt, e *event.Event, distance int) Candidate {
	delta := e.Timestamp - p.Timestamp
	isBefore := delta < 0
	return Candidate{
		EventID:  e.ID,
		Path:     changePath(e),
		Score:    c.Score(delta, distance),
		Before:   isBefore,
		DeltaMs:  delta,
		Distance: distance,
	}
}

// Score computes the temporal score of a change deltaMs after (negative:
// before) a prompt with distance other changes in between. Proximity decays
// exponentially with the configured half-life; adjacency is 1/(1+distance)
// and counts half for changes before the prompt.
func (c *Correlator) Score(deltaMs int64, distance int) float64 {
	abs := math.Abs(float64(deltaMs))
	proximity := math.Pow(0.5, abs/float64(c.cfg.HalfLifeMs))
	adjacency := 1.0 / float64(1+distance)
	direction := 1.0
	if deltaMs < 0 {
		direction = 0.5
	}
	s := c.cfg.TemporalWeight*proximity + c.cfg.SequenceWeight*adjacency*direction
	return math.Min(s, maxTemporalScore)
}

// SortCandidates orders by score descending, then by smaller |delta|, then
// by id.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		di, dj := absInt(cs[i].DeltaMs), absInt(cs[j].DeltaMs)
		if di != dj {
			return di < dj
		}
		return cs[i].EventID < cs[j].EventID
	})
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func changePath(e *event.Event) string {
	if fc, ok := e.FileChange(); ok {
		return fc.Path
	}
	return ""
}
