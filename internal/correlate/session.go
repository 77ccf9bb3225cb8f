package correlate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"devcompanion/internal/event"
)

// Item is one entry on the activity timeline: an event or a prompt.
type Item struct {
	ID          string     `json:"id"`
	Kind        event.Kind `json:"type"`
	Timestamp   int64      `json:"timestamp"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	Path        string     `json:"path,omitempty"`
	Model       string     `json:"model,omitempty"`
	// PromptID and LinkedEntryID carry the explicit links of changes and
	// prompts respectively.
	PromptID      string `json:"prompt_id,omitempty"`
	LinkedEntryID string `json:"linked_entry_id,omitempty"`
	LinesAdded    int    `json:"lines_added,omitempty"`
	LinesRemoved  int    `json:"lines_removed,omitempty"`
	// MissingTimestamp is set when the item had no timestamp and was placed
	// at grouping time.
	MissingTimestamp bool `json:"missing_timestamp,omitempty"`
}

// ItemFromEvent projects an event onto the timeline.
func ItemFromEvent(e *event.Event) Item {
	it := Item{
		ID:            e.ID,
		Kind:          e.Kind,
		Timestamp:     e.Timestamp,
		WorkspaceID:   e.WorkspaceID,
		PromptID:      e.PromptID,
		LinkedEntryID: e.LinkedEntryID,
	}
	if fc, ok := e.FileChange(); ok {
		it.Path = fc.Path
		it.LinesAdded = fc.Stats.LinesAdded
		it.LinesRemoved = fc.Stats.LinesRemoved
	}
	if pd, ok := e.Details.(*event.PromptDetails); ok {
		it.Model = pd.Model
	}
	return it
}

// ItemFromPrompt projects a prompt onto the timeline.
func ItemFromPrompt(p *event.Prompt) Item {
	return Item{
		ID:            p.ID,
		Kind:          event.KindPrompt,
		Timestamp:     p.Timestamp,
		WorkspaceID:   p.WorkspaceID,
		Model:         p.Model,
		LinkedEntryID: p.LinkedEntryID,
	}
}

// Summary aggregates a session.
type Summary struct {
	Counts            map[event.Kind]int `json:"counts"`
	Workspaces        []string           `json:"workspaces,omitempty"`
	Files             []string           `json:"files,omitempty"`
	Models            []string           `json:"models,omitempty"`
	LinesAdded        int                `json:"lines_added"`
	LinesRemoved      int                `json:"lines_removed"`
	LinkedPairs       int                `json:"linked_pairs"`
	MissingTimestamps int                `json:"missing_timestamps,omitempty"`
}

// Session is a maximal run of items whose adjacent timestamps are within
// the session gap.
type Session struct {
	ID      string  `json:"id"`
	Start   int64   `json:"start"`
	Last    int64   `json:"last"`
	Items   []Item  `json:"items"`
	Summary Summary `json:"summary"`
}

// Duration is the span between the first and last item.
func (s Session) Duration() time.Duration {
	return time.Duration(s.Last-s.Start) * time.Millisecond
}

// GroupSessions groups items, given newest first, into chronological
// sessions. A new session starts whenever the gap to the previous item
// exceeds gapMs. Items without a timestamp are placed at now and flagged.
func GroupSessions(items []Item, gapMs int64, now time.Time) []Session {
	if len(items) == 0 {
		return nil
	}
	if gapMs <= 0 {
		gapMs = DefaultConfig().SessionGapMs
	}

	chrono := make([]Item, len(items))
	for i, it := range items {
		if it.Timestamp <= 0 {
			it.Timestamp = now.UnixMilli()
			it.MissingTimestamp = true
		}
		chrono[len(items)-1-i] = it
	}
	// Tolerate inputs that were not strictly newest first.
	sort.SliceStable(chrono, func(i, j int) bool { return chrono[i].Timestamp < chrono[j].Timestamp })

	var sessions []Session
	cur := []Item{chrono[0]}
	for _, it := range chrono[1:] {
		if it.Timestamp-cur[len(cur)-1].Timestamp > gapMs {
			sessions = append(sessions, newSession(cur))
			cur = nil
		}
		cur = append(cur, it)
	}
	return append(sessions, newSession(cur))
}

func newSession(items []Item) Session {
	s := Session{
		ID:    items[0].ID,
		Start: items[0].Timestamp,
		Last:  items[len(items)-1].Timestamp,
		Items: items,
	}
	s.Summary = summarize(items)
	return s
}

func summarize(items []Item) Summary {
	sum := Summary{Counts: make(map[event.Kind]int)}
	workspaces := make(map[string]bool)
	files := make(map[string]bool)
	models := make(map[string]bool)
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[it.ID] = true
	}

	pairs := make(map[[2]string]bool)
	for _, it := range items {
		sum.Counts[it.Kind]++
		if it.WorkspaceID != "" {
			workspaces[it.WorkspaceID] = true
		}
		if it.Path != "" && it.Kind.IsChange() {
			files[it.Path] = true
		}
		if it.Model != "" {
			models[it.Model] = true
		}
		sum.LinesAdded += it.LinesAdded
		sum.LinesRemoved += it.LinesRemoved
		if it.MissingTimestamp {
			sum.MissingTimestamps++
		}
		if it.Kind.IsChange() && it.PromptID != "" && present[it.PromptID] {
			pairs[[2]string{it.PromptID, it.ID}] = true
		}
		if it.Kind == event.KindPrompt && it.LinkedEntryID != "" && present[it.LinkedEntryID] {
			pairs[[2]string{it.ID, it.LinkedEntryID}] = true
		}
	}
	sum.LinkedPairs = len(pairs)
	sum.Workspaces = sortedKeys(workspaces)
	sum.Files = sortedKeys(files)
	sum.Models = sortedKeys(models)
	return sum
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Timeline loads events and prompts with from <= timestamp <= to, newest
// first.
func (c *Correlator) Timeline(ctx context.Context, from, to int64) ([]Item, error) {
	events, err := c.src.EventsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	prompts, err := c.src.PromptsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	items := make([]Item, 0, len(events)+len(prompts))
	for _, e := range events {
		items = append(items, ItemFromEvent(e))
	}
	for _, p := range prompts {
		items = append(items, ItemFromPrompt(p))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	return items, nil
}

// Sessions groups the stored activity between from and to into sessions
// using the configured gap.
func (c *Correlator) Sessions(ctx context.Context, from, to int64) ([]Session, error) {
	items, err := c.Timeline(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return GroupSessions(items, c.cfg.SessionGapMs, time.Now()), nil
}
