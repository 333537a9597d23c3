package app

import (
	"context"
	"errors"
	"strings"

	"kmsai/pkg/conflict"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

// Analyze queues a user-requested analysis at the highest priority. A
// watchdog hold on the document is lifted first.
func (a *App) Analyze(ctx context.Context, docID string) (string, error) {
	doc, ok, err := a.docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	a.watchdog.Release(doc.ID)
	return a.async.SubmitDocument(doc.ID, conflict.HighestPriority)
}

// SyncGroup rewrites the merged conflict view onto every group member.
func (a *App) SyncGroup(ctx context.Context, groupID string) (domain.ConflictInfo, error) {
	return a.engine.Syncer().SyncGroup(ctx, strings.TrimSpace(groupID))
}

// SetChunkEnabled toggles a chunk and schedules the re-analysis it causes.
func (a *App) SetChunkEnabled(ctx context.Context, chunkID string, enabled bool) (conflict.ToggleResult, error) {
	res, err := a.engine.SetChunkEnabled(ctx, chunkID, enabled)
	if errors.Is(err, conflict.ErrChunkNotFound) {
		return res, ErrNotFound
	}
	return res, err
}

// ResolveConflict closes a conflict on behalf of a reviewer.
func (a *App) ResolveConflict(ctx context.Context, res conflict.Resolution) ([]string, error) {
	if res.ResolvedBy == store.SystemResolver {
		return nil, conflict.ErrInvalidResolution
	}
	return a.engine.ResolveConflict(ctx, res)
}

// SubmitTask queues a background conflict task.
func (a *App) SubmitTask(ctx context.Context, t conflict.Task) (string, error) {
	return a.async.Submit(ctx, t)
}

// TaskResult returns the state of a submitted task.
func (a *App) TaskResult(taskID string) (conflict.TaskResult, bool) {
	return a.async.Result(taskID)
}

// ConflictStats reports async processor counters.
func (a *App) ConflictStats() conflict.Stats {
	return a.async.Stats()
}
