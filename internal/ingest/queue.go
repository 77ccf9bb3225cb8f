package ingest

import (
	"devcompanion/internal/diffstat"
	"devcompanion/internal/event"
)

// shedTiers lists the kinds shed first under back-pressure, oldest record
// first within a tier. Any other non-critical kind is shed after these.
var shedTiers = []event.Kind{event.KindResourceSample, event.KindTerminal}

// queue is a FIFO of normalized events. It is not safe for concurrent use;
// the Ingestor guards it.
type queue struct {
	items []*event.Event
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) push(e *event.Event) {
	q.items = append(q.items, e)
}

func (q *queue) pop() *event.Event {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return e
}

func (q *queue) removeAt(i int) *event.Event {
	e := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return e
}

// shedOne removes the oldest sheddable record: resource samples, then
// terminal records, then any other non-critical kind. It returns nil when
// only critical records remain.
func (q *queue) shedOne() *event.Event {
	for _, kind := range shedTiers {
		for i, e := range q.items {
			if e.Kind == kind {
				return q.removeAt(i)
			}
		}
	}
	for i, e := range q.items {
		if !e.Kind.Critical() {
			return q.removeAt(i)
		}
	}
	return nil
}

// coalesce merges a file change into a queued change of the same path whose
// timestamp is within windowMs. The queued record keeps its id, timestamp
// and before text and takes the newer after text. It reports whether a
// merge happened.
func (q *queue) coalesce(e *event.Event, windowMs int64) bool {
	if windowMs <= 0 || !e.Kind.IsChange() {
		return false
	}
	incoming, ok := e.FileChange()
	if !ok {
		return false
	}
	for i := len(q.items) - 1; i >= 0; i-- {
		queued := q.items[i]
		if queued.Kind != e.Kind {
			continue
		}
		fc, ok := queued.FileChange()
		if !ok || fc.Path != incoming.Path {
			continue
		}
		dt := e.Timestamp - queued.Timestamp
		if dt < 0 {
			dt = -dt
		}
		if dt > windowMs {
			return false
		}
		mergeChange(queued, fc, e, incoming)
		return true
	}
	return false
}

func mergeChange(into *event.Event, dst *event.FileChangeDetails, from *event.Event, src *event.FileChangeDetails) {
	// The earlier record supplies the before side whichever arrived first.
	if from.Timestamp < into.Timestamp {
		dst.BeforeText = src.BeforeText
		into.Timestamp = from.Timestamp
	} else {
		dst.AfterText = src.AfterText
	}
	if dst.Language == "" {
		dst.Language = src.Language
	}
	if into.PromptID == "" {
		into.PromptID = from.PromptID
	}
	dst.TextElided = dst.TextElided || src.TextElided
	res := diffstat.Calculate(dst.BeforeText, dst.AfterText, diffstat.Options{})
	dst.Stats = res.Stats
	dst.Similarity = res.Similarity
	dst.UnifiedDiff = ""
	dst.ChangeType = diffstat.Classify("", dst.BeforeText, dst.AfterText, dst.OldPath)
}
