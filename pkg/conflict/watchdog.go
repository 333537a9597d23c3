package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"kmsai/pkg/domain"
	"kmsai/pkg/store"
)

const (
	DefaultWatchdogTimeout  = 240 * time.Second
	DefaultWatchdogInterval = time.Minute
)

type WatchdogConfig struct {
	// Timeout is how long a document may stay Analyzing without a write.
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Watchdog fails analyses that stopped making progress. Documents it fails
// stay in a cooldown set for one interval so automatic pollers cannot put
// them straight back into Analyzing.
type Watchdog struct {
	docs     store.Store
	cfg      WatchdogConfig
	cooldown *gocache.Cache
}

func NewWatchdog(docs store.Store, cfg WatchdogConfig) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWatchdogTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchdogInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Watchdog{
		docs:     docs,
		cfg:      cfg,
		cooldown: gocache.New(cfg.Interval, 2*cfg.Interval),
	}
}

// Check fails every stale Analyzing document and returns their ids.
func (w *Watchdog) Check(ctx context.Context) ([]string, error) {
	cutoff := w.cfg.Now().Add(-w.cfg.Timeout)
	stale, err := w.docs.ListStaleDocuments(ctx, domain.AnalysisAnalyzing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale analyses: %w", err)
	}
	var failed []string
	for _, doc := range stale {
		// Cooldown goes first so a poller that reads the new status
		// already sees the document as held.
		w.cooldown.SetDefault(doc.ID, struct{}{})
		err := w.docs.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentPatch{
			ConflictAnalysisStatus: domain.Ptr(domain.AnalysisFailed),
			ConflictStatus:         domain.Ptr(domain.ConflictNone),
			ErrorMessage:           domain.Ptr(fmt.Sprintf("Phân tích xung đột quá %d giây", int(w.cfg.Timeout.Seconds()))),
		})
		if err != nil {
			w.cooldown.Delete(doc.ID)
			slog.Error("watchdog update failed", "doc_id", doc.ID, "err", err)
			continue
		}
		slog.Warn("analysis timed out", "doc_id", doc.ID, "modified", doc.ModifiedDate, "timeout", w.cfg.Timeout.String())
		failed = append(failed, doc.ID)
	}
	return failed, nil
}

func (w *Watchdog) Cooling(docID string) bool {
	_, found := w.cooldown.Get(docID)
	return found
}

func (w *Watchdog) Release(docID string) {
	w.cooldown.Delete(docID)
}

// Start runs Check every interval until ctx is done.
func (w *Watchdog) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc("@every "+w.cfg.Interval.String(), func() {
		if _, err := w.Check(ctx); err != nil {
			slog.Error("watchdog check failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
