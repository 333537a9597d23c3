package domain

import (
	"fmt"
	"sort"
	"strings"
)

const paragraphSep = "_paragraph_"

// ChunkID builds the chunk key `{docID}_paragraph_{n}`.
func ChunkID(docID string, n int) string {
	return fmt.Sprintf("%s%s%d", docID, paragraphSep, n)
}

// OwnerDocID returns the document id encoded in a chunk id.
func OwnerDocID(chunkID string) string {
	if i := strings.Index(chunkID, paragraphSep); i >= 0 {
		return chunkID[:i]
	}
	return chunkID
}

// SortedIDs returns a sorted copy of ids.
func SortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// ConflictID is join(sorted(chunkIDs), "_").
func ConflictID(chunkIDs []string) string {
	return strings.Join(SortedIDs(chunkIDs), "_")
}

// ConflictKey is the stable de-duplication key used when merging conflict
// lists: content_<id>, internal_<sorted ids>, external_<sorted ids>.
func ConflictKey(t ConflictType, chunkIDs []string) string {
	return string(t) + "_" + ConflictID(chunkIDs)
}
