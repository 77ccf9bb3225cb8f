package correlate

import (
	"context"
	"fmt"
	"sort"

	"devcompanion/internal/event"
)

// Tab is a child conversation opened from a parent conversation.
type Tab struct {
	ConversationID string          `json:"conversation_id"`
	Prompts        []*event.Prompt `json:"prompts"`
}

// Conversation groups root prompts of one conversation with its tabs.
type Conversation struct {
	ID    string          `json:"id"`
	Roots []*event.Prompt `json:"roots"`
	Tabs  []Tab           `json:"tabs,omitempty"`
}

// WorkspaceNode holds the conversations of one workspace.
type WorkspaceNode struct {
	Workspace     string         `json:"workspace"`
	Conversations []Conversation `json:"conversations"`
}

// Hierarchy is the workspace, conversation, tab projection of prompts.
// Prompts without a conversation, and conversations made of a single root
// prompt with no tabs, are listed as standalone prompts.
type Hierarchy struct {
	Workspaces []WorkspaceNode `json:"workspaces,omitempty"`
	Standalone []*event.Prompt `json:"standalone,omitempty"`
}

// isRoot reports whether a prompt starts its conversation: no parent, or a
// parent equal to its own conversation.
func isRoot(p *event.Prompt) bool {
	return p.ParentConversationID == "" || p.ParentConversationID == p.ConversationID
}

func workspaceKey(p *event.Prompt) string {
	if p.WorkspaceID != "" {
		return p.WorkspaceID
	}
	return p.WorkspacePath
}

// BuildHierarchy groups prompts by workspace, then conversation, then tab.
// Output is ordered by workspace name and by first timestamp within a
// workspace.
func BuildHierarchy(prompts []*event.Prompt) Hierarchy {
	sorted := make([]*event.Prompt, len(prompts))
	copy(sorted, prompts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	type convBuilder struct {
		id    string
		first int64
		roots []*event.Prompt
		tabs  map[string][]*event.Prompt
		order []string
	}
	type wsBuilder struct {
		convs map[string]*convBuilder
	}

	var h Hierarchy
	workspaces := make(map[string]*wsBuilder)
	getConv := func(ws *wsBuilder, id string, ts int64) *convBuilder {
		cb, ok := ws.convs[id]
		if !ok {
			cb = &convBuilder{id: id, first: ts, tabs: make(map[string][]*event.Prompt)}
			ws.convs[id] = cb
		}
		return cb
	}

	for _, p := range sorted {
		if p.ConversationID == "" {
			h.Standalone = append(h.Standalone, p)
			continue
		}
		key := workspaceKey(p)
		ws, ok := workspaces[key]
		if !ok {
			ws = &wsBuilder{convs: make(map[string]*convBuilder)}
			workspaces[key] = ws
		}
		if isRoot(p) {
			cb := getConv(ws, p.ConversationID, p.Timestamp)
			cb.roots = append(cb.roots, p)
			continue
		}
		cb := getConv(ws, p.ParentConversationID, p.Timestamp)
		if _, seen := cb.tabs[p.ConversationID]; !seen {
			cb.order = append(cb.order, p.ConversationID)
		}
		cb.tabs[p.ConversationID] = append(cb.tabs[p.ConversationID], p)
	}

	keys := make([]string, 0, len(workspaces))
	for k := range workspaces {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ws := workspaces[key]
		convs := make([]*convBuilder, 0, len(ws.convs))
		for _, cb := range ws.convs {
			convs = append(convs, cb)
		}
		sort.Slice(convs, func(i, j int) bool {
			if convs[i].first != convs[j].first {
				return convs[i].first < convs[j].first
			}
			return convs[i].id < convs[j].id
		})

		node := WorkspaceNode{Workspace: key}
		for _, cb := range convs {
			if len(cb.roots) == 1 && len(cb.tabs) == 0 {
				h.Standalone = append(h.Standalone, cb.roots[0])
				continue
			}
			conv := Conversation{ID: cb.id, Roots: cb.roots}
			for _, tabID := range cb.order {
				conv.Tabs = append(conv.Tabs, Tab{ConversationID: tabID, Prompts: cb.tabs[tabID]})
			}
			node.Conversations = append(node.Conversations, conv)
		}
		if len(node.Conversations) > 0 {
			h.Workspaces = append(h.Workspaces, node)
		}
	}

	sort.SliceStable(h.Standalone, func(i, j int) bool { return h.Standalone[i].Timestamp < h.Standalone[j].Timestamp })
	return h
}

// Hierarchy loads prompts with from <= timestamp <= to and builds their
// hierarchy.
func (c *Correlator) Hierarchy(ctx context.Context, from, to int64) (Hierarchy, error) {
	prompts, err := c.src.PromptsInRange(ctx, from, to)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("load prompts: %w", err)
	}
	return BuildHierarchy(prompts), nil
}
