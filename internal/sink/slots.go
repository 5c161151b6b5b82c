package sink

import "sync"

// slotTable hands out per-reaction execution slots. All gate-evaluate,
// invoke and record work for one reaction id runs under its slot, so
// concurrent events can never interleave frequency/lastrun checks for the
// same reaction. Entries are refcounted and removed when idle.
type slotTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu   sync.Mutex
	refs int
}

func newSlotTable() *slotTable {
	return &slotTable{slots: make(map[string]*slot)}
}

// acquire blocks until the slot for id is exclusively held and returns its
// release function.
func (t *slotTable) acquire(id string) (release func()) {
	t.mu.Lock()
	s, ok := t.slots[id]
	if !ok {
		s = &slot{}
		t.slots[id] = s
	}
	s.refs++
	t.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		t.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(t.slots, id)
		}
		t.mu.Unlock()
	}
}
