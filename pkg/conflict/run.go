package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kmsai/pkg/domain"
)

// run holds the state of one analysis of one document.
type run struct {
	e     *Engine
	docID string

	mu        sync.Mutex
	processed map[string]bool
	entries   map[domain.ConflictType]map[string]domain.ConflictEntry
	errs      map[string]bool
	// external entries to fold into the other document, by its id
	external map[string][]domain.ConflictEntry
}

func newRun(e *Engine, docID string) *run {
	return &run{
		e:         e,
		docID:     docID,
		processed: map[string]bool{},
		entries:   map[domain.ConflictType]map[string]domain.ConflictEntry{},
		errs:      map[string]bool{},
		external:  map[string][]domain.ConflictEntry{},
	}
}

// claim marks key processed and reports whether this caller got it first.
func (r *run) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed[key] {
		return false
	}
	r.processed[key] = true
	return true
}

func (r *run) add(t domain.ConflictType, entry domain.ConflictEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[t] == nil {
		r.entries[t] = map[string]domain.ConflictEntry{}
	}
	r.entries[t][domain.ConflictKey(t, entry.ChunkRefs())] = entry
}

func (r *run) addError(msg string) {
	r.mu.Lock()
	r.errs[msg] = true
	r.mu.Unlock()
}

func (r *run) addExternal(otherDoc string, entry domain.ConflictEntry) {
	r.mu.Lock()
	r.external[otherDoc] = append(r.external[otherDoc], entry)
	r.mu.Unlock()
}

func (r *run) checkContent(ctx context.Context, c domain.Chunk) error {
	ids := []string{c.ID}
	if !r.claim(domain.ConflictKey(domain.ConflictContent, ids)) {
		return nil
	}
	v, err := r.e.classify(ctx, domain.ConflictContent, ids, c.Text(), "")
	if err != nil {
		return err
	}
	if v.Error != "" {
		r.addError(fmt.Sprintf("content %s: %s", c.ID, v.Error))
		return nil
	}
	if !v.HasConflict {
		return nil
	}
	rec, err := r.e.persist(ctx, domain.ConflictContent, r.docID, "", ids, v)
	if err != nil {
		return err
	}
	r.add(domain.ConflictContent, r.e.entryFor(rec, v))
	return nil
}

func (r *run) checkPair(ctx context.Context, t domain.ConflictType, a, b domain.Chunk, otherDoc string) error {
	ids := domain.SortedIDs([]string{a.ID, b.ID})
	if !r.claim(domain.ConflictKey(t, ids)) {
		return nil
	}
	textA, textB := a.Text(), b.Text()
	if ids[0] != a.ID {
		textA, textB = textB, textA
	}
	v, err := r.e.classify(ctx, t, ids, textA, textB)
	if err != nil {
		return err
	}
	if v.Error != "" {
		r.addError(fmt.Sprintf("%s %s: %s", t, domain.ConflictID(ids), v.Error))
		return nil
	}
	if !v.HasConflict {
		return nil
	}
	rec, err := r.e.persist(ctx, t, r.docID, otherDoc, ids, v)
	if err != nil {
		return err
	}
	entry := r.e.entryFor(rec, v)
	r.add(t, entry)
	if t == domain.ConflictExternal && otherDoc != "" {
		r.addExternal(otherDoc, entry)
	}
	return nil
}

// info renders the run's findings with lists sorted by conflict key.
func (r *run) info() domain.ConflictInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := domain.ConflictInfo{
		ContentConflicts:  sortedByKey(r.entries[domain.ConflictContent]),
		InternalConflicts: sortedByKey(r.entries[domain.ConflictInternal]),
		ExternalConflicts: sortedByKey(r.entries[domain.ConflictExternal]),
	}
	for msg := range r.errs {
		out.AnalysisErrors = append(out.AnalysisErrors, msg)
	}
	sort.Strings(out.AnalysisErrors)
	return out
}

func sortedByKey(m map[string]domain.ConflictEntry) []domain.ConflictEntry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.ConflictEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
