package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// DLQ holds jobs that exhausted their retry budget (spec §4.5). Unlike the
// priority buckets it is not capacity-bounded by the admission path; an
// operator drains it via replay/clear.
type DLQ struct {
	mu    sync.Mutex
	order []uuid.UUID
	items map[uuid.UUID]*Job
}

func newDLQ() *DLQ {
	return &DLQ{items: map[uuid.UUID]*Job{}}
}

func (d *DLQ) add(j *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.items[j.ID]; exists {
		return
	}
	d.items[j.ID] = j
	d.order = append(d.order, j.ID)
}

func (d *DLQ) get(id uuid.UUID) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.items[id]
	return j, ok
}

func (d *DLQ) remove(id uuid.UUID) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.items[id]
	if !ok {
		return nil, false
	}
	delete(d.items, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return j, true
}

func (d *DLQ) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// List returns DLQ entries in insertion order, oldest first, for the
// dlq/list endpoint (spec §6).
func (d *DLQ) List() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Job, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.items[id])
	}
	return out
}

// Clear empties the DLQ and returns how many entries were discarded, for
// the dlq/clear endpoint.
func (d *DLQ) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.order)
	d.order = nil
	d.items = map[uuid.UUID]*Job{}
	return n
}
