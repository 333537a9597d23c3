package conflict

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"kmsai/pkg/cache"
	"kmsai/pkg/domain"
)

type TaskType string

const (
	TaskDocument  TaskType = "document"
	TaskContent   TaskType = "content"
	TaskChunkPair TaskType = "chunk_pair"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// AlreadyQueued is the id returned for a chunk pair that was already
// submitted during this process's lifetime.
const AlreadyQueued = "already_queued"

const (
	HighestPriority = 1
	LowestPriority  = 10
	DefaultPriority = 5
)

// Task is one unit of background conflict work.
type Task struct {
	ID       string              `json:"task_id"`
	Type     TaskType            `json:"type"`
	DocID    string              `json:"doc_id,omitempty"`
	ChunkIDs []string            `json:"chunk_ids,omitempty"`
	Mode     domain.ConflictType `json:"conflict_type,omitempty"`
	Priority int                 `json:"priority"`
	Queued   time.Time           `json:"queued_at"`

	seq uint64
}

// TaskResult is what the results cache keeps for a finished task.
type TaskResult struct {
	TaskID      string               `json:"task_id"`
	Type        TaskType             `json:"type"`
	Status      TaskStatus           `json:"status"`
	Info        *domain.ConflictInfo `json:"result,omitempty"`
	Verdict     *domain.Verdict      `json:"verdict,omitempty"`
	Error       string               `json:"error,omitempty"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Executor performs the analysis behind each task type.
type Executor interface {
	Analyze(ctx context.Context, docID string) (domain.ConflictInfo, error)
	CheckChunk(ctx context.Context, chunkID string) (domain.Verdict, error)
	CheckPair(ctx context.Context, mode domain.ConflictType, chunkA, chunkB string) (domain.Verdict, error)
	PairMode(ctx context.Context, chunkA, chunkB string) (domain.ConflictType, error)
}

type AsyncConfig struct {
	Capacity     int
	ResultsLimit int
	// PairLimit bounds both the processed-pair set and the pair results.
	PairLimit  int
	OnComplete func(TaskResult)
	Now        func() time.Time
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Queued      int  `json:"queued"`
	Running     bool `json:"running"`
	Submitted   int  `json:"submitted"`
	Completed   int  `json:"completed"`
	Failed      int  `json:"failed"`
	Deduped     int  `json:"deduplicated"`
	Results     int  `json:"cached_results"`
	PairResults int  `json:"cached_pair_results"`
	Trims       int  `json:"result_trims"`
}

// AsyncProcessor drains a priority queue of conflict tasks on a single
// goroutine.
type AsyncProcessor struct {
	exec Executor
	cfg  AsyncConfig

	mu      sync.Mutex
	queue   taskHeap
	seq     uint64
	pending map[string]Task
	// queued document tasks by doc id
	docTasks map[string]string
	running  bool
	stats    Stats
	wake     chan struct{}

	results     *cache.Cache[string, TaskResult]
	pairResults *cache.Cache[string, domain.Verdict]
	pairsSeen   *cache.Set[string]
}

func NewAsyncProcessor(exec Executor, cfg AsyncConfig) *AsyncProcessor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.ResultsLimit <= 0 {
		cfg.ResultsLimit = 1000
	}
	if cfg.PairLimit <= 0 {
		cfg.PairLimit = 10000
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &AsyncProcessor{
		exec:        exec,
		cfg:         cfg,
		pending:     map[string]Task{},
		docTasks:    map[string]string{},
		wake:        make(chan struct{}, 1),
		results:     cache.New[string, TaskResult](cfg.ResultsLimit, 0, cache.DefaultKeepRatio),
		pairResults: cache.New[string, domain.Verdict](cfg.PairLimit, 0, cache.DefaultKeepRatio),
		pairsSeen:   cache.NewSet[string](cfg.PairLimit, 0),
	}
}

// Submit queues a task and returns its id. A chunk pair already seen gets
// AlreadyQueued; a document with a queued task gets that task's id. A pair
// without a mode takes the one its chunk owners imply, so it dedupes with
// the same pair submitted explicitly.
func (p *AsyncProcessor) Submit(ctx context.Context, t Task) (string, error) {
	if t.Type == TaskChunkPair && t.Mode == "" && len(t.ChunkIDs) == 2 {
		mode, err := p.exec.PairMode(ctx, t.ChunkIDs[0], t.ChunkIDs[1])
		if err != nil {
			return "", err
		}
		t.Mode = mode
	}
	return p.submit(t)
}

func (p *AsyncProcessor) submit(t Task) (string, error) {
	switch t.Type {
	case TaskDocument:
		if t.DocID == "" {
			return "", fmt.Errorf("%w: document task needs doc_id", ErrUnknownTask)
		}
	case TaskContent:
		if len(t.ChunkIDs) != 1 {
			return "", fmt.Errorf("%w: content task needs one chunk id", ErrUnknownTask)
		}
	case TaskChunkPair:
		if len(t.ChunkIDs) != 2 {
			return "", fmt.Errorf("%w: chunk_pair task needs two chunk ids", ErrUnknownTask)
		}
	default:
		return "", fmt.Errorf("%w: type %q", ErrUnknownTask, t.Type)
	}
	t.Priority = clampPriority(t.Priority)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Type == TaskDocument {
		if id, ok := p.docTasks[t.DocID]; ok {
			p.stats.Deduped++
			return id, nil
		}
	}
	if p.queue.Len() >= p.cfg.Capacity {
		return "", ErrQueueFull
	}
	if t.Type == TaskChunkPair && !p.pairsSeen.Add(pairKey(t)) {
		p.stats.Deduped++
		return AlreadyQueued, nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	p.seq++
	t.seq = p.seq
	t.Queued = p.cfg.Now()
	heap.Push(&p.queue, t)
	p.pending[t.ID] = t
	if t.Type == TaskDocument {
		p.docTasks[t.DocID] = t.ID
	}
	p.stats.Submitted++
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return t.ID, nil
}

// SubmitDocument queues a full analysis of docID.
func (p *AsyncProcessor) SubmitDocument(docID string, priority int) (string, error) {
	return p.submit(Task{Type: TaskDocument, DocID: docID, Priority: priority})
}

// Result returns the stored result of a finished task, or a queued/running
// placeholder for a pending one.
func (p *AsyncProcessor) Result(taskID string) (TaskResult, bool) {
	if r, ok := p.results.Get(taskID); ok {
		return r, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.pending[taskID]; ok {
		status := TaskQueued
		if t.seq == 0 {
			status = TaskRunning
		}
		return TaskResult{TaskID: taskID, Type: t.Type, Status: status}, true
	}
	return TaskResult{}, false
}

// PairResult returns the cached verdict for a chunk pair.
func (p *AsyncProcessor) PairResult(mode domain.ConflictType, chunkA, chunkB string) (domain.Verdict, bool) {
	return p.pairResults.Get(domain.ConflictKey(mode, []string{chunkA, chunkB}))
}

func (p *AsyncProcessor) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	s.Queued = p.queue.Len()
	s.Running = p.running
	p.mu.Unlock()
	s.Results = p.results.Len()
	s.PairResults = p.pairResults.Len()
	s.Trims = p.results.Trims()
	return s
}

// Run consumes tasks until ctx is done.
func (p *AsyncProcessor) Run(ctx context.Context) {
	slog.Info("async conflict processor started", "capacity", p.cfg.Capacity)
	for {
		t, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				slog.Info("async conflict processor stopped")
				return
			case <-p.wake:
				continue
			}
		}
		p.execute(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *AsyncProcessor) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return Task{}, false
	}
	t := heap.Pop(&p.queue).(Task)
	running := t
	running.seq = 0
	p.pending[t.ID] = running
	if t.Type == TaskDocument {
		delete(p.docTasks, t.DocID)
	}
	p.running = true
	return t, true
}

func (p *AsyncProcessor) execute(ctx context.Context, t Task) {
	res := TaskResult{TaskID: t.ID, Type: t.Type, Status: TaskCompleted}
	err := p.safeRun(ctx, t, &res)
	if err != nil && !errors.Is(err, ErrAnalysisInProgress) {
		res.Status = TaskFailed
		res.Error = err.Error()
		slog.Warn("conflict task failed", "task_id", t.ID, "type", t.Type, "doc_id", t.DocID, "err", err)
	}
	res.CompletedAt = p.cfg.Now()
	p.results.Add(t.ID, res)

	p.mu.Lock()
	delete(p.pending, t.ID)
	p.running = false
	if res.Status == TaskCompleted {
		p.stats.Completed++
	} else {
		p.stats.Failed++
	}
	p.mu.Unlock()

	if p.cfg.OnComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("conflict task callback panicked", "task_id", t.ID, "panic", r)
				}
			}()
			p.cfg.OnComplete(res)
		}()
	}
}

func (p *AsyncProcessor) safeRun(ctx context.Context, t Task, res *TaskResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	switch t.Type {
	case TaskDocument:
		info, err := p.exec.Analyze(ctx, t.DocID)
		if err != nil && !errors.Is(err, ErrAnalysisInProgress) {
			return err
		}
		res.Info = &info
		return err
	case TaskContent:
		v, err := p.exec.CheckChunk(ctx, t.ChunkIDs[0])
		if err != nil {
			return err
		}
		res.Verdict = &v
	case TaskChunkPair:
		v, err := p.exec.CheckPair(ctx, t.Mode, t.ChunkIDs[0], t.ChunkIDs[1])
		if err != nil {
			return err
		}
		res.Verdict = &v
		if v.Error == "" {
			p.pairResults.Add(pairKey(t), v)
		}
	}
	return nil
}

func pairKey(t Task) string {
	return domain.ConflictKey(t.Mode, t.ChunkIDs)
}

func clampPriority(n int) int {
	switch {
	case n == 0:
		return DefaultPriority
	case n < HighestPriority:
		return HighestPriority
	case n > LowestPriority:
		return LowestPriority
	}
	return n
}

// taskHeap orders by priority, then submission order.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
