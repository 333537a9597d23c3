package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"kmsai/pkg/chunkstore"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

// Syncer writes one merged conflict payload to every member of a group.
type Syncer struct {
	docs   store.Store
	chunks chunkstore.Store

	mu     sync.Mutex
	groups map[string]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

func NewSyncer(docs store.Store, chunks chunkstore.Store) *Syncer {
	return &Syncer{docs: docs, chunks: chunks, groups: map[string]*groupLock{}}
}

// SyncGroup merges the conflict_info of every member with the unresolved
// conflict records of the group, drops anything that references a disabled
// or missing chunk or a resolved record, and writes the result to every
// member. Calls for one group are serialized and each reads the data as it
// stands once it holds the group lock, so the last call's write reflects
// every change made before it started.
func (s *Syncer) SyncGroup(ctx context.Context, groupID string) (domain.ConflictInfo, error) {
	if groupID == "" {
		return domain.ConflictInfo{}, nil
	}
	unlock := s.lockGroup(groupID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return domain.ConflictInfo{}, err
	}
	return s.syncGroup(ctx, groupID)
}

func (s *Syncer) lockGroup(groupID string) func() {
	s.mu.Lock()
	l, ok := s.groups[groupID]
	if !ok {
		l = &groupLock{}
		s.groups[groupID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.groups, groupID)
		}
		s.mu.Unlock()
	}
}

func (s *Syncer) syncGroup(ctx context.Context, groupID string) (domain.ConflictInfo, error) {
	members, err := s.docs.ListDocumentsInGroup(ctx, groupID)
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("list group %s: %w", groupID, err)
	}
	if len(members) == 0 {
		return domain.ConflictInfo{}, nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	merged, err := s.Merge(ctx, members, ids)
	if err != nil {
		return domain.ConflictInfo{}, err
	}
	has := !merged.Empty()
	for _, m := range members {
		err := s.docs.UpdateDocumentStatus(ctx, m.ID, domain.DocumentPatch{
			ConflictInfo:   &merged,
			HasConflicts:   domain.Ptr(has),
			ConflictStatus: domain.Ptr(domain.StatusForConflicts(has)),
		})
		if err != nil {
			return domain.ConflictInfo{}, fmt.Errorf("write group member %s: %w", m.ID, err)
		}
	}
	slog.Debug("group conflicts synced", "group_id", groupID, "members", len(members), "conflicts", merged.Count())
	return merged, nil
}

// Merge computes the union of the members' conflict entries and the
// unresolved records of docIDs without writing anything. Analysis errors
// come from the most recently checked member only.
func (s *Syncer) Merge(ctx context.Context, members []domain.Document, docIDs []string) (domain.ConflictInfo, error) {
	m := newMerger(ctx, s.docs, s.chunks)
	if fresh, ok := freshest(members); ok {
		for _, msg := range fresh.ConflictInfo.AnalysisErrors {
			m.errors[msg] = true
		}
	}
	for _, doc := range members {
		ci := doc.ConflictInfo
		for _, e := range ci.ContentConflicts {
			m.addEntry(domain.ConflictContent, e)
		}
		for _, e := range ci.InternalConflicts {
			m.addEntry(domain.ConflictInternal, e)
		}
		for _, e := range ci.ExternalConflicts {
			m.addEntry(domain.ConflictExternal, e)
		}
	}
	records, err := s.docs.ListUnresolvedConflicts(ctx, docIDs)
	if err != nil {
		return domain.ConflictInfo{}, fmt.Errorf("list unresolved conflicts: %w", err)
	}
	for _, rec := range records {
		if rec.Type == domain.ConflictManual {
			continue
		}
		m.addEntry(rec.Type, EntryFromRecord(rec))
	}
	if m.err != nil {
		return domain.ConflictInfo{}, m.err
	}
	return m.result(), nil
}

// freshest returns the member with the latest LastConflictCheck. Unchecked
// members lose to checked ones; ties keep the earlier member.
func freshest(members []domain.Document) (domain.Document, bool) {
	if len(members) == 0 {
		return domain.Document{}, false
	}
	best := members[0]
	for _, doc := range members[1:] {
		if doc.LastConflictCheck == nil {
			continue
		}
		if best.LastConflictCheck == nil || doc.LastConflictCheck.After(*best.LastConflictCheck) {
			best = doc
		}
	}
	return best, true
}

// EntryFromRecord renders a conflict record as a conflict_info entry.
func EntryFromRecord(rec domain.ConflictRecord) domain.ConflictEntry {
	e := domain.ConflictEntry{
		Explanation:      rec.Explanation,
		ConflictingParts: append([]string(nil), rec.ConflictingParts...),
		Severity:         rec.Severity,
		AnalyzedAt:       rec.DetectedAt.UTC(),
	}
	if rec.Type == domain.ConflictContent && len(rec.ChunkIDs) == 1 {
		e.ChunkID = rec.ChunkIDs[0]
	} else {
		e.ChunkIDs = domain.SortedIDs(rec.ChunkIDs)
	}
	if rec.Type == domain.ConflictExternal {
		docIDs := []string{rec.DocID}
		if rec.RelatedDocID != "" && rec.RelatedDocID != rec.DocID {
			docIDs = append(docIDs, rec.RelatedDocID)
		}
		e.DocIDs = domain.SortedIDs(docIDs)
	}
	return e
}

type merger struct {
	ctx     context.Context
	docs    store.Store
	chunks  chunkstore.Store
	live    map[string]bool
	entries map[domain.ConflictType]map[string]domain.ConflictEntry
	errors  map[string]bool
	err     error
}

func newMerger(ctx context.Context, docs store.Store, chunks chunkstore.Store) *merger {
	return &merger{
		ctx:     ctx,
		docs:    docs,
		chunks:  chunks,
		live:    map[string]bool{},
		entries: map[domain.ConflictType]map[string]domain.ConflictEntry{},
		errors:  map[string]bool{},
	}
}

func (m *merger) addEntry(t domain.ConflictType, e domain.ConflictEntry) {
	if m.err != nil {
		return
	}
	refs := e.ChunkRefs()
	if len(refs) == 0 {
		return
	}
	key := domain.ConflictKey(t, refs)
	if _, dup := m.entries[t][key]; dup {
		return
	}
	for _, id := range refs {
		if !m.chunkLive(id) {
			return
		}
	}
	rec, found, err := m.docs.GetConflictRecord(m.ctx, domain.ConflictID(refs), t)
	if err != nil {
		m.err = fmt.Errorf("load conflict record %s: %w", key, err)
		return
	}
	if found && rec.Resolved {
		return
	}
	if m.entries[t] == nil {
		m.entries[t] = map[string]domain.ConflictEntry{}
	}
	m.entries[t][key] = e
}

// chunkLive reports whether the chunk exists and is enabled.
func (m *merger) chunkLive(id string) bool {
	if live, ok := m.live[id]; ok {
		return live
	}
	c, found, err := m.chunks.GetChunk(m.ctx, id)
	if err != nil {
		m.err = fmt.Errorf("load chunk %s: %w", id, err)
		return false
	}
	live := found && c.Enabled()
	m.live[id] = live
	return live
}

func (m *merger) result() domain.ConflictInfo {
	out := domain.ConflictInfo{
		ContentConflicts:  sortedEntries(m.entries[domain.ConflictContent]),
		InternalConflicts: sortedEntries(m.entries[domain.ConflictInternal]),
		ExternalConflicts: sortedEntries(m.entries[domain.ConflictExternal]),
	}
	for msg := range m.errors {
		out.AnalysisErrors = append(out.AnalysisErrors, msg)
	}
	sort.Strings(out.AnalysisErrors)
	return out
}

func sortedEntries(entries map[string]domain.ConflictEntry) []domain.ConflictEntry {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.ConflictEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, entries[k])
	}
	return out
}
