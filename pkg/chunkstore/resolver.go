package chunkstore

import (
	"context"

	"kmsai/pkg/domain"
)

// DocumentReader is the slice of the record store the resolver needs.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	ListDocumentsInGroup(ctx context.Context, groupID string) ([]domain.Document, error)
}

// Resolver answers chunk queries for documents that borrow chunks from a
// group mate.
type Resolver struct {
	chunks Store
	docs   DocumentReader
}

func NewResolver(chunks Store, docs DocumentReader) *Resolver {
	return &Resolver{chunks: chunks, docs: docs}
}

// Owner returns the id of the document whose chunks are authoritative for
// doc: original_chunked_doc, else a Chunked group mate, else doc itself.
func (r *Resolver) Owner(ctx context.Context, doc domain.Document) (string, error) {
	if doc.OriginalChunkedDoc != "" && doc.OriginalChunkedDoc != doc.ID {
		return doc.OriginalChunkedDoc, nil
	}
	if !doc.IsDuplicate || !doc.InGroup() {
		return doc.ID, nil
	}
	members, err := r.docs.ListDocumentsInGroup(ctx, doc.DuplicateGroupID)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.ID != doc.ID && m.ChunkStatus == domain.ChunkChunked {
			return m.ID, nil
		}
	}
	return doc.ID, nil
}

// ChunksFor returns the chunks visible from docID after duplicate
// indirection, along with the owner they were read from.
func (r *Resolver) ChunksFor(ctx context.Context, docID string, limit int) ([]domain.Chunk, string, error) {
	doc, ok, err := r.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	owner := docID
	if ok {
		if owner, err = r.Owner(ctx, doc); err != nil {
			return nil, "", err
		}
	}
	chunks, err := r.chunks.GetChunksByDocument(ctx, owner, limit)
	if err != nil {
		return nil, owner, err
	}
	return chunks, owner, nil
}

// EnabledChunksFor is ChunksFor without disabled chunks.
func (r *Resolver) EnabledChunksFor(ctx context.Context, docID string) ([]domain.Chunk, string, error) {
	chunks, owner, err := r.ChunksFor(ctx, docID, 0)
	if err != nil {
		return nil, owner, err
	}
	return EnabledOnly(chunks), owner, nil
}
