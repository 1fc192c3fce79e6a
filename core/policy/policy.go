package policy

import "sort"

// Whitelist authorizes users by id. It is immutable after construction and
// safe for concurrent use.
type Whitelist struct {
	allowed map[int64]bool
}

// New creates a Whitelist that authorizes only the given user ids.
func New(userIDs []int64) *Whitelist {
	allowed := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		allowed[id] = true
	}
	return &Whitelist{allowed: allowed}
}

// Allows reports whether userID is listed. A nil Whitelist allows everyone.
func (w *Whitelist) Allows(userID int64) bool {
	if w == nil {
		return true
	}
	return w.allowed[userID]
}

// Len returns the number of listed users.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.allowed)
}

// IDs returns the listed user ids in ascending order.
func (w *Whitelist) IDs() []int64 {
	if w == nil {
		return nil
	}
	ids := make([]int64, 0, len(w.allowed))
	for id := range w.allowed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
