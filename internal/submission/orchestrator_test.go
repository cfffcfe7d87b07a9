package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposalhub/storage/internal/tool"
)

type fakeStore struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Submission
	logs       map[uuid.UUID][]LogEntry
	ops        []string
	createErr  error
	failAppend string
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[uuid.UUID]*Submission{}, logs: map[uuid.UUID][]LogEntry{}}
}

func (s *fakeStore) CreateSubmission(_ context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	s.ops = append(s.ops, "create "+sub.ID.String())
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, id uuid.UUID, msgType MessageType, message string) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return LogEntry{}, ErrNotFound
	}
	if s.failAppend != "" && message == s.failAppend {
		return LogEntry{}, errors.New("connection reset")
	}
	e := LogEntry{
		SubmissionID: id,
		EntryNumber:  len(s.logs[id]) + 1,
		MessageType:  msgType,
		Message:      message,
		LoggedAt:     time.Now(),
	}
	s.logs[id] = append(s.logs[id], e)
	s.ops = append(s.ops, fmt.Sprintf("log %s %s", id, message))
	return e, nil
}

func (s *fakeStore) FinishSubmission(_ context.Context, id uuid.UUID, status Status, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	if sub.Status.Terminal() {
		return ErrAlreadyFinished
	}
	sub.Status = status
	sub.FinishedAt = &finishedAt
	s.ops = append(s.ops, fmt.Sprintf("finish %s %s", id, status))
	return nil
}

func (s *fakeStore) GetSubmission(_ context.Context, id uuid.UUID) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeStore) ListLog(_ context.Context, id uuid.UUID, afterEntry int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return nil, ErrNotFound
	}
	var out []LogEntry
	for _, e := range s.logs[id] {
		if e.EntryNumber > afterEntry {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) messages(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.logs[id] {
		out = append(out, string(e.MessageType)+": "+e.Message)
	}
	return out
}

func (s *fakeStore) opsFor(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, op := range s.ops {
		if strings.Contains(op, id.String()) {
			out = append(out, op)
		}
	}
	return out
}

type fakeStager struct {
	mu     sync.Mutex
	err    error
	staged map[uuid.UUID]string
}

func (s *fakeStager) Stage(content io.ReadSeeker, id uuid.UUID) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		s.staged = map[uuid.UUID]string{}
	}
	s.staged[id] = string(data)
	return "/staging/" + id.String(), nil
}

type fakeRunner struct {
	mu       sync.Mutex
	exitCode int
	err      error
	calls    []tool.Invocation
	started  chan struct{}
	release  chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return tool.Result{ExitCode: r.exitCode, Elapsed: time.Millisecond}, r.err
}

func (r *fakeRunner) invocations() []tool.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tool.Invocation(nil), r.calls...)
}

type fakeArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (a *fakeArchiver) Archive(_ context.Context, _ uuid.UUID, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, path)
}

type panickingArchiver struct{}

func (panickingArchiver) Archive(context.Context, uuid.UUID, string) { panic("archive target exploded") }

type blockingArchiver struct {
	started chan uuid.UUID
	release chan struct{}
}

func (a *blockingArchiver) Archive(_ context.Context, id uuid.UUID, _ string) {
	a.started <- id
	<-a.release
}

func closeOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))
}

func strPtr(s string) *string { return &s }

func TestSubmit_SuccessfulRun(t *testing.T) {
	store := newFakeStore()
	stager := &fakeStager{}
	runner := &fakeRunner{}
	archiver := &fakeArchiver{}
	o := New(store, stager, runner, WithArchiver(archiver))

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	closeOrchestrator(t, o)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessful, sub.Status)
	assert.NotNil(t, sub.FinishedAt)
	assert.Equal(t, "jdoe", sub.Submitter)
	assert.Equal(t, []string{
		"Info: Submission started.",
		"Info: Inserting proposal into the database",
		"Info: Submission successful.",
	}, store.messages(id))

	calls := runner.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, "/staging/"+id.String(), calls[0].File)
	assert.Equal(t, "jdoe", calls[0].Submitter)
	assert.Equal(t, id.String(), calls[0].SubmissionID)
	assert.Nil(t, calls[0].ProposalCode)
	assert.Equal(t, []string{"/staging/" + id.String()}, archiver.paths)
	assert.Equal(t, "zip", stager.staged[id])
}

func TestSubmit_ToolFailure(t *testing.T) {
	store := newFakeStore()
	archiver := &fakeArchiver{}
	o := New(store, &fakeStager{}, &fakeRunner{exitCode: 2}, WithArchiver(archiver))

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	closeOrchestrator(t, o)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	assert.Equal(t, []string{
		"Info: Submission started.",
		"Info: Inserting proposal into the database",
		"Error: Submission failed.",
	}, store.messages(id))
	assert.Empty(t, archiver.paths)
}

func TestSubmit_SpawnFailureIsFailed(t *testing.T) {
	store := newFakeStore()
	o := New(store, &fakeStager{}, &fakeRunner{exitCode: -1, err: tool.ErrSpawn})

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	closeOrchestrator(t, o)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
}

func TestSubmit_ProposalCodeReachesTool(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeStager{}, runner)

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", strPtr("2024-1-SCI-042"))
	require.NoError(t, err)
	closeOrchestrator(t, o)

	calls := runner.invocations()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].ProposalCode)
	assert.Equal(t, "2024-1-SCI-042", *calls[0].ProposalCode)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub.ProposalCode)
	assert.Equal(t, "2024-1-SCI-042", *sub.ProposalCode)
	assert.Equal(t, []string{
		"Info: Submission started.",
		"Info: Inserting proposal into the database",
		"Info: Submission successful.",
	}, store.messages(id))

	finishes := 0
	for _, op := range store.opsFor(id) {
		if strings.HasPrefix(op, "finish") {
			finishes++
		}
	}
	assert.Equal(t, 1, finishes)
}

func TestSubmit_ArchivePanicDoesNotRewriteOutcome(t *testing.T) {
	store := newFakeStore()
	o := New(store, &fakeStager{}, &fakeRunner{}, WithArchiver(panickingArchiver{}))

	first, err := o.Submit(context.Background(), strings.NewReader("a"), "jdoe", nil)
	require.NoError(t, err)
	second, err := o.Submit(context.Background(), strings.NewReader("b"), "jdoe", nil)
	require.NoError(t, err)
	closeOrchestrator(t, o)

	for _, id := range []uuid.UUID{first, second} {
		sub, err := store.GetSubmission(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccessful, sub.Status)
		assert.Equal(t, []string{
			"Info: Submission started.",
			"Info: Inserting proposal into the database",
			"Info: Submission successful.",
		}, store.messages(id))
	}
}

func TestSubmit_SlowArchiveDoesNotHoldWorkers(t *testing.T) {
	store := newFakeStore()
	archiver := &blockingArchiver{started: make(chan uuid.UUID, 4), release: make(chan struct{})}
	o := New(store, &fakeStager{}, &fakeRunner{}, WithWorkers(1), WithQueueSize(1), WithArchiver(archiver))

	first, err := o.Submit(context.Background(), strings.NewReader("a"), "jdoe", nil)
	require.NoError(t, err)
	assert.Equal(t, first, <-archiver.started)

	isSuccessful := func(id uuid.UUID) func() bool {
		return func() bool {
			sub, err := store.GetSubmission(context.Background(), id)
			return err == nil && sub.Status == StatusSuccessful
		}
	}
	for i := 0; i < 3; i++ {
		id, err := o.Submit(context.Background(), strings.NewReader("b"), "jdoe", nil)
		require.NoError(t, err)
		require.Eventually(t, isSuccessful(id), 2*time.Second, 5*time.Millisecond)
		assert.NotContains(t, store.messages(id), "Error: The submission queue is full.")
	}

	close(archiver.release)
	closeOrchestrator(t, o)
}

func TestSubmit_StagingFailureStillReturnsIdentifier(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeStager{err: errors.New("disk full")}, runner)

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	closeOrchestrator(t, o)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	assert.Equal(t, []string{
		"Info: Submission started.",
		"Error: The submitted content could not be saved.",
		"Error: Submission failed.",
	}, store.messages(id))
	assert.Empty(t, runner.invocations())
}

func TestSubmit_DatabaseFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("connection refused")
	stager := &fakeStager{}
	o := New(store, stager, &fakeRunner{})
	defer closeOrchestrator(t, o)

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.Equal(t, uuid.Nil, id)
	assert.Empty(t, stager.staged)
}

func TestSubmit_TerminalLogWrittenBeforeStatus(t *testing.T) {
	store := newFakeStore()
	o := New(store, &fakeStager{}, &fakeRunner{})

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	closeOrchestrator(t, o)

	ops := store.opsFor(id)
	require.Len(t, ops, 5)
	assert.Equal(t, "log "+id.String()+" Submission successful.", ops[3])
	assert.Equal(t, "finish "+id.String()+" Successful", ops[4])
}

func TestSubmit_TerminalLogFailureLeavesInProgress(t *testing.T) {
	store := newFakeStore()
	store.failAppend = MsgSuccessful
	o := New(store, &fakeStager{}, &fakeRunner{})

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	closeOrchestrator(t, o)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, sub.Status)
	assert.Nil(t, sub.FinishedAt)
	for _, op := range store.opsFor(id) {
		assert.False(t, strings.HasPrefix(op, "finish"), op)
	}
}

func TestSubmit_QueueFullFailsSubmission(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
	o := New(store, &fakeStager{}, runner, WithWorkers(1), WithQueueSize(1))

	first, err := o.Submit(context.Background(), strings.NewReader("a"), "jdoe", nil)
	require.NoError(t, err)
	<-runner.started

	queued, err := o.Submit(context.Background(), strings.NewReader("b"), "jdoe", nil)
	require.NoError(t, err)
	rejected, err := o.Submit(context.Background(), strings.NewReader("c"), "jdoe", nil)
	require.NoError(t, err)

	sub, err := store.GetSubmission(context.Background(), rejected)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	assert.Equal(t, []string{
		"Info: Submission started.",
		"Error: The submission queue is full.",
		"Error: Submission failed.",
	}, store.messages(rejected))

	close(runner.release)
	closeOrchestrator(t, o)

	for _, id := range []uuid.UUID{first, queued} {
		sub, err := store.GetSubmission(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccessful, sub.Status)
	}
}

func TestSubmit_AfterCloseIsRejected(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeStager{}, runner)
	closeOrchestrator(t, o)

	id, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)

	sub, err := store.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
	assert.Contains(t, store.messages(id), "Error: The submission service is shutting down.")
	assert.Empty(t, runner.invocations())
}

func TestSubmit_ConcurrentSubmissionsHaveContiguousLogs(t *testing.T) {
	store := newFakeStore()
	o := New(store, &fakeStager{}, &fakeRunner{}, WithWorkers(4), WithQueueSize(64))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []uuid.UUID
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.Submit(context.Background(), strings.NewReader(fmt.Sprint(i)), "jdoe", nil)
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	closeOrchestrator(t, o)

	require.Len(t, ids, 32)
	for _, id := range ids {
		entries, err := store.ListLog(context.Background(), id, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, i+1, e.EntryNumber)
		}
	}
}

func TestClose_TimesOutWhileWorkIsRunning(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	o := New(newFakeStore(), &fakeStager{}, runner, WithWorkers(1))

	_, err := o.Submit(context.Background(), strings.NewReader("zip"), "jdoe", nil)
	require.NoError(t, err)
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Close(ctx), context.DeadlineExceeded)

	close(runner.release)
	closeOrchestrator(t, o)
}
