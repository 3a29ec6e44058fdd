package connector

import (
	"sync"

	"marketstream/models"
)

// KindSet is the set of stream kinds tracked for one symbol.
type KindSet map[models.StreamKind]struct{}

func (s KindSet) Has(k models.StreamKind) bool {
	_, ok := s[k]
	return ok
}

// List returns the set in canonical kind order so replayed subscribe
// requests are deterministic.
func (s KindSet) List() []models.StreamKind {
	out := make([]models.StreamKind, 0, len(s))
	for _, k := range models.AllKinds {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Table is a connector's in-memory subscription registry. It alone
// guarantees that everything requested while disconnected is replayed on
// the next successful connect.
type Table struct {
	mu      sync.Mutex
	entries map[string]KindSet
}

func NewTable() *Table {
	return &Table{entries: make(map[string]KindSet)}
}

// Add records kinds for a symbol and returns only the kinds that were not
// already tracked. Idempotent and additive.
func (t *Table) Add(symbol string, kinds []models.StreamKind) []models.StreamKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.entries[symbol]
	if !ok {
		set = make(KindSet)
		t.entries[symbol] = set
	}
	var added []models.StreamKind
	for _, k := range kinds {
		if set.Has(k) {
			continue
		}
		set[k] = struct{}{}
		added = append(added, k)
	}
	return added
}

// Remove drops kinds for a symbol and returns exactly the kinds that were
// tracked before. Empty entries are deleted.
func (t *Table) Remove(symbol string, kinds []models.StreamKind) []models.StreamKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.entries[symbol]
	if !ok {
		return nil
	}
	var removed []models.StreamKind
	for _, k := range kinds {
		if !set.Has(k) {
			continue
		}
		delete(set, k)
		removed = append(removed, k)
	}
	if len(set) == 0 {
		delete(t.entries, symbol)
	}
	return removed
}

// Snapshot copies the full table for resubscribe-on-reconnect.
func (t *Table) Snapshot() map[string][]models.StreamKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]models.StreamKind, len(t.entries))
	for symbol, set := range t.entries {
		out[symbol] = set.List()
	}
	return out
}
