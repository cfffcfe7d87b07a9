package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proposalhub/storage/internal/metrics"
	"github.com/proposalhub/storage/internal/tool"
)

// ErrDatabase wraps store failures while a submission is being created.
var ErrDatabase = errors.New("the submission could not be recorded")

// Stager stages uploaded content under the submission identifier.
type Stager interface {
	Stage(content io.ReadSeeker, id uuid.UUID) (string, error)
}

// ToolRunner invokes the external import tool.
type ToolRunner interface {
	Run(ctx context.Context, inv tool.Invocation) (tool.Result, error)
}

// Archiver copies the staged content of a successful submission elsewhere.
type Archiver interface {
	Archive(ctx context.Context, id uuid.UUID, path string)
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

type archiveJob struct {
	id   uuid.UUID
	path string
}

type job struct {
	id           uuid.UUID
	path         string
	submitter    string
	proposalCode *string
	stageErr     error
}

// Orchestrator creates submissions and runs them on a fixed pool of
// background workers. Background work is detached from the request that
// created it and is never cancelled once started.
type Orchestrator struct {
	store    Store
	stager   Stager
	runner   ToolRunner
	archiver Archiver
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	workers   int
	queueSize int
	queue     chan job
	wg        sync.WaitGroup

	archiveQueueSize int
	archiveQueue     chan archiveJob
	archiveWG        sync.WaitGroup
	closeArchive     sync.Once

	mu     sync.RWMutex
	closed bool
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithArchiver hands successful submissions to a, on a dedicated worker so
// slow targets never hold a submission worker.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithArchiveQueueSize bounds how many successful submissions may wait for
// archiving. Further ones are not archived.
func WithArchiveQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.archiveQueueSize = n
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New starts the worker pool. Call Close to drain it.
func New(store Store, stager Stager, runner ToolRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		stager:    stager,
		runner:    runner,
		logger:    log.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,

		archiveQueueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = make(chan job, o.queueSize)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	if o.archiver != nil {
		o.archiveQueue = make(chan archiveJob, o.archiveQueueSize)
		o.archiveWG.Add(1)
		go o.archiveWorker()
	}
	return o
}

// Submit records a new In Progress submission, stages content and hands the
// rest to a background worker. The identifier is returned as soon as the
// record exists; staging failures surface later in the submission log.
func (o *Orchestrator) Submit(ctx context.Context, content io.ReadSeeker, submitter string, proposalCode *string) (uuid.UUID, error) {
	id := uuid.New()
	sub := &Submission{
		ID:           id,
		Submitter:    submitter,
		ProposalCode: proposalCode,
		Status:       StatusInProgress,
		StartedAt:    o.now().UTC(),
	}
	if err := o.store.CreateSubmission(ctx, sub); err != nil {
		o.logger.Error().Err(err).Str("submitter", submitter).Msg("creating submission failed")
		return uuid.Nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	o.metrics.SubmissionCreated()

	j := job{id: id, submitter: submitter, proposalCode: proposalCode}
	path, err := o.stager.Stage(content, id)
	if err != nil {
		o.logger.Error().Err(err).Str("submission_id", id.String()).Msg("staging submission failed")
		j.stageErr = err
	} else {
		j.path = path
	}
	o.enqueue(j)
	return id, nil
}

// Close stops accepting work and waits for queued submissions to finish or
// for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		if o.archiveQueue != nil {
			o.closeArchive.Do(func() { close(o.archiveQueue) })
		}
		o.archiveWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) enqueue(j job) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.logger.Warn().Str("submission_id", j.id.String()).Msg("orchestrator closed, rejecting submission")
		o.reject(j, MsgShuttingDown)
		return
	}
	select {
	case o.queue <- j:
		o.metrics.QueueDepth(len(o.queue))
	default:
		o.logger.Warn().Str("submission_id", j.id.String()).Msg("queue saturated, failing submission")
		o.reject(j, MsgQueueFull)
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for j := range o.queue {
		o.metrics.QueueDepth(len(o.queue))
		o.execute(j, id)
	}
}

// execute is the background unit of one submission. The terminal log entry
// is always written before the terminal status, and at most once.
func (o *Orchestrator) execute(j job, workerID int) {
	ctx := context.Background()
	logger := o.logger.With().Str("submission_id", j.id.String()).Int("worker", workerID).Logger()
	concluded := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bool("concluded", concluded).Msg("submission panicked")
			if !concluded {
				o.conclude(ctx, j.id, StatusFailed)
			}
		}
	}()

	o.appendLog(ctx, j.id, MessageInfo, MsgStarted)
	if j.stageErr != nil {
		o.appendLog(ctx, j.id, MessageError, MsgStagingFailed)
		concluded = true
		o.conclude(ctx, j.id, StatusFailed)
		return
	}

	inv := tool.Invocation{
		SubmissionID: j.id.String(),
		File:         j.path,
		Submitter:    j.submitter,
		ProposalCode: j.proposalCode,
	}
	o.appendLog(ctx, j.id, MessageInfo, MsgInserting)

	status := StatusSuccessful
	res, err := o.runner.Run(ctx, inv)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("import tool could not be started")
		status = StatusFailed
	case res.ExitCode != 0:
		logger.Warn().Int("exit_code", res.ExitCode).Msg("import tool failed")
		status = StatusFailed
	}
	o.metrics.ToolRun(status == StatusSuccessful, res.Elapsed)

	concluded = true
	if o.conclude(ctx, j.id, status) && status == StatusSuccessful {
		o.scheduleArchive(archiveJob{id: j.id, path: j.path})
	}
}

func (o *Orchestrator) scheduleArchive(a archiveJob) {
	if o.archiveQueue == nil {
		return
	}
	select {
	case o.archiveQueue <- a:
	default:
		o.logger.Warn().Str("submission_id", a.id.String()).Msg("archive queue saturated, proposal not archived")
	}
}

func (o *Orchestrator) archiveWorker() {
	defer o.archiveWG.Done()
	for a := range o.archiveQueue {
		o.archive(a)
	}
}

func (o *Orchestrator) archive(a archiveJob) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("submission_id", a.id.String()).Msg("archiving panicked")
		}
	}()
	o.archiver.Archive(context.Background(), a.id, a.path)
}

// reject finalises a submission that never reaches a worker.
func (o *Orchestrator) reject(j job, reason string) {
	ctx := context.Background()
	o.appendLog(ctx, j.id, MessageInfo, MsgStarted)
	o.appendLog(ctx, j.id, MessageError, reason)
	o.conclude(ctx, j.id, StatusFailed)
}

func (o *Orchestrator) appendLog(ctx context.Context, id uuid.UUID, msgType MessageType, message string) bool {
	if _, err := o.store.AppendLog(ctx, id, msgType, message); err != nil {
		o.logger.Error().Err(err).
			Str("submission_id", id.String()).
			Str("message", message).
			Msg("writing submission log entry failed")
		return false
	}
	return true
}

// conclude writes the terminal log entry and then the terminal status. If the
// log entry cannot be written the status is left In Progress.
func (o *Orchestrator) conclude(ctx context.Context, id uuid.UUID, status Status) bool {
	msgType, message := MessageInfo, MsgSuccessful
	if status == StatusFailed {
		msgType, message = MessageError, MsgFailed
	}
	if !o.appendLog(ctx, id, msgType, message) {
		o.logger.Error().Str("submission_id", id.String()).Msg("terminal log entry missing, leaving submission in progress")
		return false
	}
	if err := o.store.FinishSubmission(ctx, id, status, o.now().UTC()); err != nil {
		o.logger.Error().Err(err).Str("submission_id", id.String()).Msg("finishing submission failed")
		return false
	}
	o.metrics.SubmissionFinished(strings.ToLower(string(status)))
	o.logger.Info().Str("submission_id", id.String()).Str("status", string(status)).Msg("submission finished")
	return true
}
