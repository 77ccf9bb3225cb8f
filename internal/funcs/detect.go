package funcs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"devcompanion/internal/canon"
	"devcompanion/internal/event"
)

// ChangeKind is the classification of a function change.
type ChangeKind string

const (
	FunctionAdd    ChangeKind = "FUNCTION_ADD"
	FunctionRemove ChangeKind = "FUNCTION_REMOVE"
	FunctionModify ChangeKind = "FUNCTION_MODIFY"
)

// IDPrefix starts every stable function id.
const IDPrefix = "FUNC_"

// Record is the persisted state of a function. There is one record per
// distinct canonical signature within a file.
type Record struct {
	ID             string     `json:"id"`
	FileID         string     `json:"file_id"`
	Name           string     `json:"name"`
	Signature      string     `json:"canonical_signature"`
	ParameterCount int        `json:"parameter_count"`
	ReturnSlot     ReturnSlot `json:"return_type"`
	FirstSeen      int64      `json:"first_seen"`
	LastModified   int64      `json:"last_modified"`
	CallCount      int        `json:"call_count"`
}

// ParameterChange describes a parameter count change between the removed
// and added versions of a same-named function.
type ParameterChange struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Delta  int `json:"delta"`
}

// Change is one function-level change within a diff.
type Change struct {
	ID                string           `json:"id"`
	DiffID            string           `json:"diff_id"`
	FileID            string           `json:"file_id"`
	Language          string           `json:"language"`
	Kind              ChangeKind       `json:"change_type"`
	FunctionID        string           `json:"function_id"`
	FunctionName      string           `json:"function_name"`
	SignatureBefore   string           `json:"signature_before,omitempty"`
	SignatureAfter    string           `json:"signature_after,omitempty"`
	NameBefore        string           `json:"name_before,omitempty"`
	NameAfter         string           `json:"name_after,omitempty"`
	ParameterChanges  *ParameterChange `json:"parameter_changes,omitempty"`
	ReturnTypeChanged bool             `json:"return_type_changed"`
	CallGraph         *GraphDelta      `json:"callgraph_updates,omitempty"`
	Timestamp         int64            `json:"timestamp"`
}

// Registry is the function history the detector reads; the store
// implements it.
type Registry interface {
	FunctionsByFile(ctx context.Context, fileID string) ([]Record, error)
	MaxFunctionOrdinal(ctx context.Context, fileID string) (int, error)
}

// DiffInput is one before/after pair of a file.
type DiffInput struct {
	DiffID    string
	Path      string
	FileID    string
	Language  string
	Before    string
	After     string
	Timestamp int64
}

// Diff is the outcome of Detect.
type Diff struct {
	DiffID   string
	FileID   string
	Language string
	Before   []Function
	After    []Function
	Changes  []Change
	// Upserts are the function records to persist for this diff.
	Upserts []Record
	Graph   CallGraph
	Delta   GraphDelta
}

// Detector classifies function changes between two versions of a file.
type Detector struct {
	registry     Registry
	prefixTokens int
	logger       *slog.Logger
}

// NewDetector returns a detector. A nil registry means no history: every
// signature is a first sighting.
func NewDetector(registry Registry, prefixTokens int, logger *slog.Logger) *Detector {
	if prefixTokens <= 0 {
		prefixTokens = DefaultPrefixTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{registry: registry, prefixTokens: prefixTokens, logger: logger}
}

// allocator hands out FUNC_<n> ids for one pass. It is seeded from the
// registry and discarded afterwards.
type allocator struct {
	next  int
	bySig map[string]string
}

func (a *allocator) idFor(sig string) (string, bool) {
	if id, ok := a.bySig[sig]; ok {
		return id, false
	}
	a.next++
	id := IDPrefix + strconv.Itoa(a.next)
	a.bySig[sig] = id
	return id, true
}

// Ordinal parses the numeric part of a function id; it returns 0 for ids
// not produced by the allocator.
func Ordinal(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, IDPrefix))
	if err != nil || !strings.HasPrefix(id, IDPrefix) {
		return 0
	}
	return n
}

// Detect extracts both versions, matches them and builds the change list,
// the call graph of the after version and the records to upsert.
func (d *Detector) Detect(ctx context.Context, in DiffInput) (*Diff, error) {
	lang := canon.NormalizeLanguage(in.Language)
	if strings.TrimSpace(in.Language) == "" {
		lang = canon.LanguageForPath(in.Path)
	}
	fileID := in.FileID
	if fileID == "" {
		fileID = event.FileID(in.Path)
	}
	diffID := in.DiffID
	if diffID == "" {
		diffID = uuid.NewString()
	}

	diff := &Diff{DiffID: diffID, FileID: fileID, Language: lang}
	before := Extract(in.Before, lang, d.prefixTokens)
	after := Extract(in.After, lang, d.prefixTokens)
	if len(before.Functions) == 0 && len(after.Functions) == 0 {
		return diff, nil
	}

	known := make(map[string]Record)
	alloc := &allocator{bySig: make(map[string]string)}
	if d.registry != nil {
		records, err := d.registry.FunctionsByFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("load functions: %w", err)
		}
		for _, r := range records {
			known[r.Signature] = r
			alloc.bySig[r.Signature] = r.ID
		}
		maxOrd, err := d.registry.MaxFunctionOrdinal(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("load function ordinal: %w", err)
		}
		alloc.next = maxOrd
	}

	fresh := make(map[string]bool)
	for _, fns := range [][]Function{before.Functions, after.Functions} {
		for i := range fns {
			id, isNew := alloc.idFor(fns[i].Signature)
			fns[i].ID = id
			if isNew {
				fresh[id] = true
			}
		}
	}
	diff.Before, diff.After = before.Functions, after.Functions

	beforeGraph := buildGraph(before.Functions, before.Calls)
	diff.Graph = buildGraph(after.Functions, after.Calls)
	diff.Delta = Delta(beforeGraph, diff.Graph)

	changes, err := d.match(ctx, diff)
	if err != nil {
		return nil, err
	}
	for i := range changes {
		changes[i].ID = uuid.NewString()
		changes[i].DiffID = diffID
		changes[i].FileID = fileID
		changes[i].Language = lang
		changes[i].Timestamp = in.Timestamp
		changes[i].CallGraph = &diff.Delta
	}
	diff.Changes = changes
	diff.Upserts = upserts(diff, known, fresh, in.Timestamp)

	d.logger.Debug("function diff",
		"file_id", fileID,
		"language", lang,
		"before", len(before.Functions),
		"after", len(after.Functions),
		"changes", len(changes),
	)
	return diff, nil
}

type candidatePair struct {
	before, after int
	distance      int
}

func (d *Detector) match(ctx context.Context, diff *Diff) ([]Change, error) {
	beforeBySig := make(map[string][]int)
	afterBySig := make(map[string][]int)
	for i, f := range diff.Before {
		beforeBySig[f.Signature] = append(beforeBySig[f.Signature], i)
	}
	for i, f := range diff.After {
		afterBySig[f.Signature] = append(afterBySig[f.Signature], i)
	}

	sigs := make([]string, 0, len(beforeBySig)+len(afterBySig))
	for sig := range beforeBySig {
		sigs = append(sigs, sig)
	}
	for sig := range afterBySig {
		if _, ok := beforeBySig[sig]; !ok {
			sigs = append(sigs, sig)
		}
	}
	sort.Strings(sigs)

	var modified, removed, added []Change
	var removedIdx, addedIdx []int
	for _, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bs, as := beforeBySig[sig], afterBySig[sig]
		usedB := make(map[int]bool)
		usedA := make(map[int]bool)

		// Nearest line first.
		var pairs []candidatePair
		for _, b := range bs {
			for _, a := range as {
				dist := diff.Before[b].StartLine - diff.After[a].StartLine
				if dist < 0 {
					dist = -dist
				}
				pairs = append(pairs, candidatePair{before: b, after: a, distance: dist})
			}
		}
		sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].distance < pairs[j].distance })

		for _, p := range pairs {
			if usedB[p.before] || usedA[p.after] {
				continue
			}
			usedB[p.before], usedA[p.after] = true, true
			bf, af := diff.Before[p.before], diff.After[p.after]
			if bf.Name == af.Name && bf.StartLine == af.StartLine && bf.BodyDigest == af.BodyDigest {
				continue
			}
			c := Change{
				Kind:            FunctionModify,
				FunctionID:      af.ID,
				FunctionName:    af.Name,
				SignatureBefore: bf.Signature,
				SignatureAfter:  af.Signature,
			}
			if bf.Name != af.Name {
				c.NameBefore, c.NameAfter = bf.Name, af.Name
			}
			modified = append(modified, c)
		}
		for _, b := range bs {
			if !usedB[b] {
				removedIdx = append(removedIdx, b)
			}
		}
		for _, a := range as {
			if !usedA[a] {
				addedIdx = append(addedIdx, a)
			}
		}
	}

	sort.Ints(removedIdx)
	sort.Ints(addedIdx)
	for _, b := range removedIdx {
		f := diff.Before[b]
		removed = append(removed, Change{
			Kind:            FunctionRemove,
			FunctionID:      f.ID,
			FunctionName:    f.Name,
			SignatureBefore: f.Signature,
		})
	}
	for _, a := range addedIdx {
		f := diff.After[a]
		added = append(added, Change{
			Kind:           FunctionAdd,
			FunctionID:     f.ID,
			FunctionName:   f.Name,
			SignatureAfter: f.Signature,
		})
	}
	describeSignatureChanges(diff, removed, removedIdx, added, addedIdx)

	out := make([]Change, 0, len(modified)+len(removed)+len(added))
	out = append(out, modified...)
	out = append(out, removed...)
	return append(out, added...), nil
}

// describeSignatureChanges pairs a removed and an added function of the
// same name and records the parameter and return slot deltas on both.
func describeSignatureChanges(diff *Diff, removed []Change, removedIdx []int, added []Change, addedIdx []int) {
	taken := make(map[int]bool)
	for ri, b := range removedIdx {
		bf := diff.Before[b]
		for ai, a := range addedIdx {
			af := diff.After[a]
			if taken[ai] || af.Name != bf.Name {
				continue
			}
			taken[ai] = true
			pc := &ParameterChange{
				Before: bf.ParameterCount,
				After:  af.ParameterCount,
				Delta:  af.ParameterCount - bf.ParameterCount,
			}
			slotChanged := bf.ReturnSlot != af.ReturnSlot
			removed[ri].ParameterChanges, removed[ri].ReturnTypeChanged = pc, slotChanged
			removed[ri].SignatureAfter = af.Signature
			added[ai].ParameterChanges, added[ai].ReturnTypeChanged = pc, slotChanged
			added[ai].SignatureBefore = bf.Signature
			break
		}
	}
}

func upserts(diff *Diff, known map[string]Record, fresh map[string]bool, ts int64) []Record {
	touched := make(map[string]bool)
	for _, c := range diff.Changes {
		if c.Kind != FunctionRemove {
			touched[c.FunctionID] = true
		}
	}
	counts := diff.Graph.CallCounts()

	var out []Record
	seen := make(map[string]bool)
	add := func(f Function, callCount int) {
		if seen[f.ID] {
			return
		}
		seen[f.ID] = true
		r := Record{
			ID:             f.ID,
			FileID:         diff.FileID,
			Name:           f.Name,
			Signature:      f.Signature,
			ParameterCount: f.ParameterCount,
			ReturnSlot:     f.ReturnSlot,
			FirstSeen:      ts,
			LastModified:   ts,
			CallCount:      callCount,
		}
		if prev, ok := known[f.Signature]; ok && !fresh[f.ID] {
			r.FirstSeen = prev.FirstSeen
			if !touched[f.ID] {
				r.LastModified = prev.LastModified
			}
		}
		out = append(out, r)
	}
	for _, f := range diff.After {
		add(f, counts[f.ID])
	}
	// Functions only ever seen in the before text still need a record so
	// their REMOVE refers to something.
	for _, f := range diff.Before {
		if fresh[f.ID] {
			add(f, 0)
		}
	}
	return out
}
