package watch

import (
	"fmt"
	"slices"
	"time"

	"github.com/mattjoyce/rendergate/internal/notify"
)

// BatchState is the outcome tally of one batch as seen on the stream.
type BatchState struct {
	ID       string
	jobs     map[int]notify.Event
	LastSeen time.Time
}

// Jobs returns the batch's outcomes ordered by sequence.
func (b *BatchState) Jobs() []notify.Event {
	out := make([]notify.Event, 0, len(b.jobs))
	for _, ev := range b.jobs {
		out = append(out, ev)
	}
	slices.SortFunc(out, func(x, y notify.Event) int { return x.Seq - y.Seq })
	return out
}

// Counts tallies the batch's outcomes by state.
func (b *BatchState) Counts() (succeeded, failed, skipped int) {
	for _, ev := range b.jobs {
		switch ev.State {
		case "succeeded":
			succeeded++
		case "failed":
			failed++
		case "skipped":
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Summary is the one-line batch total shown under the job table.
func (b *BatchState) Summary() string {
	ok, failed, skipped := b.Counts()
	return fmt.Sprintf("%d jobs: %d succeeded, %d failed, %d skipped", len(b.jobs), ok, failed, skipped)
}

// Tracker groups streamed outcomes by batch, newest batch first.
type Tracker struct {
	batches map[string]*BatchState
	order   []string
}

func NewTracker() *Tracker {
	return &Tracker{batches: make(map[string]*BatchState)}
}

// Apply records ev. A replayed outcome for the same batch and sequence
// replaces the earlier one instead of being counted twice.
func (t *Tracker) Apply(ev notify.Event, at time.Time) *BatchState {
	b, ok := t.batches[ev.BatchID]
	if !ok {
		b = &BatchState{ID: ev.BatchID, jobs: make(map[int]notify.Event)}
		t.batches[ev.BatchID] = b
		t.order = append([]string{ev.BatchID}, t.order...)
	}
	b.jobs[ev.Seq] = ev
	b.LastSeen = at
	return b
}

// Batches returns every batch seen, newest first.
func (t *Tracker) Batches() []*BatchState {
	out := make([]*BatchState, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.batches[id])
	}
	return out
}

// Totals sums outcomes across all batches.
func (t *Tracker) Totals() (succeeded, failed, skipped int) {
	for _, b := range t.batches {
		ok, f, s := b.Counts()
		succeeded += ok
		failed += f
		skipped += s
	}
	return succeeded, failed, skipped
}
