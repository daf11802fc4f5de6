package fetcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/storage"
)

// Config carries the scheduler's run parameters. Everything a run needs is
// passed in explicitly so the scheduler can be exercised with fake
// collaborators and a fake clock in tests.
type Config struct {
	Workers         int // max simultaneously fetching/retrying eras
	MaxWriteBacklog int // encoded-but-uncommitted eras allowed; admission stalls past this
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	BlocksPerEra    uint64
	Overwrite       bool // rewrite eras whose final file already exists
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxWriteBacklog < 1 {
		c.MaxWriteBacklog = c.Workers * 2
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BlocksPerEra == 0 {
		c.BlocksPerEra = era.BlocksPerEra
	}
}

// Scheduler drives the era fetch pipeline: a bounded pool of workers, each
// owning one era task end to end (fetch → encode → write). Eras are
// admitted in ascending index order for deterministic scheduling, though
// they may complete in any order.
type Scheduler struct {
	cfg     Config
	enc     Encoder
	store   storage.EraStore
	retrier *Retrier
	log     *slog.Logger

	inFlight     atomic.Int64 // tasks currently fetching or retrying
	writeBacklog atomic.Int64 // encoded eras not yet durably committed

	mu       sync.Mutex
	drained  *sync.Cond // signalled when the write backlog shrinks
	done     []era.Index
	skipped  []era.Index
	failed   []FailedEra
	receipts []*storage.WriteReceipt
}

// New builds a scheduler over the given collaborators.
func New(cfg Config, src source.BlockSource, enc Encoder, store storage.EraStore) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:     cfg,
		enc:     enc,
		store:   store,
		retrier: NewRetrier(NewSession(src, cfg.BlocksPerEra), cfg.MaxAttempts, cfg.BaseBackoff, cfg.MaxBackoff),
		log:     logging.Component("scheduler"),
	}
	s.drained = sync.NewCond(&s.mu)
	return s
}

// Run fetches every era in the plan and returns the aggregate outcome.
// Per-era failures are isolated: one era failing never cancels or delays
// its siblings, and the run completes once every admitted task is Done or
// Failed. The returned error is non-nil only when the run itself was cut
// short by cancellation.
func (s *Scheduler) Run(ctx context.Context, plan []era.Index) (*Report, error) {
	if len(plan) == 0 {
		return &Report{}, nil
	}

	s.log.Info("starting era fetch",
		"eras", len(plan),
		"first", plan[0].String(),
		"last", plan[len(plan)-1].String(),
		"workers", s.cfg.Workers,
		"max_write_backlog", s.cfg.MaxWriteBacklog,
	)

	// A cancelled run must not strand the admission loop inside a cond
	// wait.
	stopWake := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.drained.Broadcast()
		s.mu.Unlock()
	})
	defer stopWake()

	taskCh := make(chan *EraTask)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range taskCh {
				s.runTask(ctx, workerID, task)
			}
		}(i)
	}

	// Admission: pending tasks enter in ascending era order, but only
	// while the write backlog is below the configured threshold.
	for _, idx := range plan {
		if err := s.waitForBacklog(ctx); err != nil {
			break
		}
		task := &EraTask{Era: idx, State: StatePending}
		select {
		case taskCh <- task:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(taskCh)
	wg.Wait()

	report := s.report()
	s.log.Info("era fetch finished",
		"done", len(report.Done),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return report, ctx.Err()
}

// waitForBacklog blocks admission while too many encoded eras are waiting
// on the disk writer, bounding the memory held by completed-but-unwritten
// eras.
func (s *Scheduler) waitForBacklog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.writeBacklog.Load() > int64(s.cfg.MaxWriteBacklog) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.drained.Wait()
	}
	return ctx.Err()
}

// runTask owns one era task end to end.
func (s *Scheduler) runTask(ctx context.Context, workerID int, task *EraTask) {
	log := logging.WorkerLogger(workerID).With(
		"era", task.Era.String(),
		"correlation_id", logging.GenerateCorrelationID(),
	)

	if err := ctx.Err(); err != nil {
		s.recordFailure(task, &FetchError{Era: task.Era, Class: FailureTransient, Err: err})
		return
	}

	// Idempotent re-runs: an era whose final file already exists is left
	// alone unless overwriting was requested.
	if !s.cfg.Overwrite {
		if exists, err := s.store.Exists(ctx, task.Era); err == nil && exists {
			log.Info("skipping era, final file already present", "uri", s.store.URI(task.Era))
			s.recordSkip(task)
			if m := metrics.Get(); m != nil {
				m.ErasSkipped.Inc()
			}
			return
		}
	}

	task.State = StateFetching
	s.setInFlight(s.inFlight.Add(1))
	fetchStart := time.Now()
	blocks, ferr := s.retrier.Fetch(ctx, task)
	s.setInFlight(s.inFlight.Add(-1))
	if ferr != nil {
		log.Error("era failed",
			"class", ferr.Class.String(),
			"attempts", task.Attempts,
			"error", ferr.Err,
		)
		s.recordFailure(task, ferr)
		return
	}
	task.Blocks = blocks
	log.Info("era fetched",
		"blocks", len(blocks),
		"attempts", task.Attempts,
		"duration_ms", time.Since(fetchStart).Milliseconds(),
	)
	if m := metrics.Get(); m != nil {
		m.EraFetchDuration.Observe(time.Since(fetchStart).Seconds())
	}

	task.State = StateEncoding
	encodeStart := time.Now()
	data, err := s.enc.Encode(task.Era, task.Blocks)
	if err != nil {
		s.recordFailure(task, &FetchError{Era: task.Era, Class: FailureProtocol, Err: err})
		return
	}
	task.Blocks = nil // encoded; release the raw blocks
	if m := metrics.Get(); m != nil {
		m.EraEncodeDuration.Observe(time.Since(encodeStart).Seconds())
	}

	task.State = StateWriting
	s.addBacklog(1)
	writeStart := time.Now()
	receipt, werr := s.store.WriteEra(ctx, task.Era, data)
	s.addBacklog(-1)
	if werr != nil {
		s.recordFailure(task, &FetchError{Era: task.Era, Class: FailureWrite, Err: werr})
		return
	}
	if m := metrics.Get(); m != nil {
		m.EraWriteDuration.Observe(time.Since(writeStart).Seconds())
	}

	task.State = StateDone
	s.recordDone(task, receipt)
	log.Info("era committed",
		"path", receipt.Path,
		"bytes", receipt.ByteSize,
		"checksum", receipt.Checksum,
	)
}

func (s *Scheduler) setInFlight(n int64) {
	if m := metrics.Get(); m != nil {
		m.InFlightEras.Set(float64(n))
	}
}

// addBacklog adjusts the write backlog under the admission lock so the
// gate's view of the counter is exact, and wakes the admission loop when
// the backlog drains.
func (s *Scheduler) addBacklog(delta int64) {
	s.mu.Lock()
	n := s.writeBacklog.Add(delta)
	if delta < 0 {
		s.drained.Broadcast()
	}
	s.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.WriteBacklog.Set(float64(n))
	}
}

func (s *Scheduler) recordDone(task *EraTask, receipt *storage.WriteReceipt) {
	s.mu.Lock()
	s.done = append(s.done, task.Era)
	s.receipts = append(s.receipts, receipt)
	s.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.ErasCompleted.Inc()
	}
}

func (s *Scheduler) recordSkip(task *EraTask) {
	task.State = StateDone
	s.mu.Lock()
	s.skipped = append(s.skipped, task.Era)
	s.mu.Unlock()
}

func (s *Scheduler) recordFailure(task *EraTask, ferr *FetchError) {
	task.State = StateFailed
	task.LastErr = ferr
	s.mu.Lock()
	s.failed = append(s.failed, FailedEra{Era: task.Era, Err: ferr})
	s.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.ErasFailed.WithLabelValues(ferr.Class.String()).Inc()
	}
}

func (s *Scheduler) report() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := &Report{
		Done:     append([]era.Index(nil), s.done...),
		Skipped:  append([]era.Index(nil), s.skipped...),
		Failed:   append([]FailedEra(nil), s.failed...),
		Receipts: append([]*storage.WriteReceipt(nil), s.receipts...),
	}
	sort.Slice(rep.Done, func(i, j int) bool { return rep.Done[i] < rep.Done[j] })
	sort.Slice(rep.Skipped, func(i, j int) bool { return rep.Skipped[i] < rep.Skipped[j] })
	sort.Slice(rep.Failed, func(i, j int) bool { return rep.Failed[i].Era < rep.Failed[j].Era })
	sort.Slice(rep.Receipts, func(i, j int) bool { return rep.Receipts[i].Era < rep.Receipts[j].Era })
	return rep
}
