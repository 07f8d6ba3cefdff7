package collab

import "github.com/benbazus/qub-drive-sub000/internal/models"

// changeRing is the capped in-memory change history: a ring buffer holding
// the newest max entries, oldest evicted first.
type changeRing struct {
	entries []*models.ChangeEntry
	max     int
	start   int
	count   int
}

func newChangeRing(max int) *changeRing {
	return &changeRing{
		entries: make([]*models.ChangeEntry, max),
		max:     max,
	}
}

func (r *changeRing) append(entry *models.ChangeEntry) {
	if r.count < r.max {
		r.entries[(r.start+r.count)%r.max] = entry
		r.count++
		return
	}
	// Full: overwrite the oldest slot.
	r.entries[r.start] = entry
	r.start = (r.start + 1) % r.max
}

// list returns entries oldest to newest.
func (r *changeRing) list() []*models.ChangeEntry {
	out := make([]*models.ChangeEntry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%r.max])
	}
	return out
}

func (r *changeRing) len() int {
	return r.count
}
