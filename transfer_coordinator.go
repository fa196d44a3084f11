package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferJob represents one upload/download/open/save/delete operation
// executed asynchronously against the shared transport. Jobs are owned by
// the TransferCoordinator and pruned after a bounded retention window once
// completion has been observable.
type TransferJob struct {
	ID        JobID
	Kind      JobKind
	Source    string
	Dest      string
	SessionID SessionID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       JobState
	err         error
	cancelErr   error
	result      string
	transferred int64
	total       int64
	created     time.Time
	finished    time.Time

	// remotePath is the remote path the job reports in events and, for
	// mutating kinds, holds the exclusive per-path lock on.
	remotePath string
	run        func(ctx context.Context) error
}

// JobSnapshot is a read-only copy of a job's externally visible state.
type JobSnapshot struct {
	ID          JobID     `json:"id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Source      string    `json:"source"`
	Dest        string    `json:"dest"`
	Transferred int64     `json:"transferred"`
	Total       int64     `json:"total"`
	Error       string    `json:"error,omitempty"`
	Created     time.Time `json:"created"`
	Finished    time.Time `json:"finished,omitempty"`
}

func newTransferJob(kind JobKind, sessionID SessionID, source, dest, remotePath string) *TransferJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransferJob{
		ID:         JobID(uuid.New().String()),
		Kind:       kind,
		Source:     source,
		Dest:       dest,
		SessionID:  sessionID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      JobPending,
		created:    time.Now(),
		remotePath: remotePath,
	}
}

// State returns the current lifecycle state.
func (j *TransferJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the settled error, nil unless the job failed or was cancelled
// with a reason.
func (j *TransferJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns the decoded text content for open jobs once succeeded.
func (j *TransferJob) Result() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Progress returns transferred and total bytes. Total is zero when unknown.
func (j *TransferJob) Progress() (transferred, total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transferred, j.total
}

// Done returns a channel closed when the job settles.
func (j *TransferJob) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job settles or ctx expires, then returns the job error.
func (j *TransferJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation. Cancellation is checked at each
// chunk boundary; a cancelled job cleans up any partial destination
// artifact before settling.
func (j *TransferJob) Cancel() {
	j.cancelWithReason(nil)
}

func (j *TransferJob) cancelWithReason(reason error) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	if reason != nil && j.cancelErr == nil {
		j.cancelErr = reason
	}
	j.mu.Unlock()
	j.cancel()
}

// setProgress records byte progress, keeping it monotonically increasing.
func (j *TransferJob) setProgress(transferred, total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if transferred > j.transferred {
		j.transferred = transferred
	}
	if total > j.total {
		j.total = total
	}
}

func (j *TransferJob) setResult(content string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = content
}

// Snapshot returns a read-only copy of the job state.
func (j *TransferJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		ID:          j.ID,
		Kind:        j.Kind.String(),
		State:       j.state.String(),
		Source:      j.Source,
		Dest:        j.Dest,
		Transferred: j.transferred,
		Total:       j.total,
		Created:     j.created,
		Finished:    j.finished,
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}

// TransferCoordinator executes transfer jobs against the shared transport
// through one long-lived worker pool, instead of ad hoc per-action
// offloads. Mutating jobs targeting the same remote path are mutually
// exclusive: the second fails fast with ErrConflict rather than corrupting
// state through interleaved writes.
type TransferCoordinator struct {
	mu        sync.Mutex
	jobs      map[JobID]*TransferJob
	pathLocks map[string]JobID
	queue     chan *TransferJob
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup

	bus    *EventBus
	logger *zap.Logger

	bufferSize  int
	maxEditSize int64
	retention   time.Duration

	// onDelete runs after a successful delete so the directory cache can
	// be invalidated before the next listing.
	onDelete func(remotePath string)
	// onTransportFailure reports a connection-lost error observed by a job
	// so the session can be moved to Failed.
	onTransportFailure func(sessionID SessionID, err error)
}

// NewTransferCoordinator creates the coordinator and starts its worker pool.
func NewTransferCoordinator(cfg TransferConfig, bus *EventBus, logger *zap.Logger) *TransferCoordinator {
	tc := &TransferCoordinator{
		jobs:        make(map[JobID]*TransferJob),
		pathLocks:   make(map[string]JobID),
		queue:       make(chan *TransferJob, MaxTrackedJobs),
		quit:        make(chan struct{}),
		bus:         bus,
		logger:      logger,
		bufferSize:  cfg.BufferSize,
		maxEditSize: cfg.MaxEditSize,
		retention:   cfg.JobRetention(),
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultTransferWorkers
	}
	for i := 0; i < workers; i++ {
		tc.wg.Add(1)
		go tc.worker()
	}
	return tc
}

func (tc *TransferCoordinator) worker() {
	defer tc.wg.Done()
	for {
		select {
		case <-tc.quit:
			return
		case job := <-tc.queue:
			tc.execute(job)
		}
	}
}

func (tc *TransferCoordinator) execute(job *TransferJob) {
	if job.ctx.Err() != nil {
		// Cancelled while still pending.
		tc.settle(job, ErrTransferCancelled)
		return
	}

	job.mu.Lock()
	job.state = JobRunning
	total := job.total
	job.mu.Unlock()

	tc.bus.Publish(JobEvent{
		JobID: job.ID,
		Kind:  job.Kind.String(),
		Phase: PhaseStart,
		Path:  job.remotePath,
		Total: total,
	})

	tc.settle(job, job.run(job.ctx))
}

// settle records the job outcome, releases its path lock, and reports.
func (tc *TransferCoordinator) settle(job *TransferJob, runErr error) {
	job.mu.Lock()
	// Classified by the run outcome alone: a cancel racing a genuine
	// failure must not mask the failure.
	cancelled := errors.Is(runErr, ErrTransferCancelled)
	switch {
	case runErr == nil:
		job.state = JobSucceeded
	case cancelled:
		job.state = JobCancelled
		if job.cancelErr != nil {
			// Session teardown mid-flight tags the cancellation with the
			// transport error so the cause stays observable.
			job.err = fmt.Errorf("%w: %w", ErrTransferCancelled, job.cancelErr)
		} else {
			job.err = ErrTransferCancelled
		}
	default:
		job.state = JobFailed
		job.err = runErr
	}
	job.finished = time.Now()
	transferred, total := job.transferred, job.total
	state := job.state
	settledErr := job.err
	close(job.done)
	job.mu.Unlock()

	tc.mu.Lock()
	if job.remotePath != "" && tc.pathLocks[job.remotePath] == job.ID {
		delete(tc.pathLocks, job.remotePath)
	}
	tc.mu.Unlock()

	ev := JobEvent{
		JobID:       job.ID,
		Kind:        job.Kind.String(),
		Path:        job.remotePath,
		Transferred: transferred,
		Total:       total,
	}
	switch state {
	case JobSucceeded:
		ev.Phase = PhaseComplete
	case JobCancelled:
		ev.Phase = PhaseCancelled
		ev.Error = settledErr.Error()
	default:
		ev.Phase = PhaseError
		ev.Error = settledErr.Error()
	}
	tc.bus.Publish(ev)

	tc.logger.Info("transfer job settled",
		zap.String("jobId", job.ID.String()),
		zap.String("kind", job.Kind.String()),
		zap.String("state", state.String()),
		zap.Int64("transferred", transferred),
		zap.Error(settledErr))

	if IsConnectionLost(runErr) && tc.onTransportFailure != nil {
		tc.onTransportFailure(job.SessionID, runErr)
	}
}

// submit registers the job, acquires its path lock, and queues it.
func (tc *TransferCoordinator) submit(job *TransferJob) error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return fmt.Errorf("transfer coordinator is closed")
	}
	tc.sweepLocked(time.Now())

	if job.Kind.Mutating() {
		if holder, exists := tc.pathLocks[job.remotePath]; exists {
			tc.mu.Unlock()
			return fmt.Errorf("%s is targeted by in-flight job %s: %w", job.remotePath, holder, ErrConflict)
		}
		tc.pathLocks[job.remotePath] = job.ID
	}

	if len(tc.jobs) >= MaxTrackedJobs {
		if job.Kind.Mutating() {
			delete(tc.pathLocks, job.remotePath)
		}
		tc.mu.Unlock()
		return fmt.Errorf("too many tracked jobs (%d)", MaxTrackedJobs)
	}
	tc.jobs[job.ID] = job
	tc.mu.Unlock()

	select {
	case tc.queue <- job:
		return nil
	default:
		tc.mu.Lock()
		delete(tc.jobs, job.ID)
		if job.Kind.Mutating() && tc.pathLocks[job.remotePath] == job.ID {
			delete(tc.pathLocks, job.remotePath)
		}
		tc.mu.Unlock()
		return fmt.Errorf("transfer queue is full")
	}
}

// sweepLocked prunes settled jobs past the retention window.
func (tc *TransferCoordinator) sweepLocked(now time.Time) {
	for id, job := range tc.jobs {
		job.mu.Lock()
		expired := job.state.Terminal() && now.Sub(job.finished) > tc.retention
		job.mu.Unlock()
		if expired {
			delete(tc.jobs, id)
		}
	}
}

// progressEmitter wires byte progress into the job and the event bus.
func (tc *TransferCoordinator) progressEmitter(job *TransferJob) progressFunc {
	return func(transferred, total, bps int64) {
		job.setProgress(transferred, total)
		tc.bus.Publish(JobEvent{
			JobID:       job.ID,
			Kind:        job.Kind.String(),
			Phase:       PhaseProgress,
			Path:        job.remotePath,
			Transferred: transferred,
			Total:       total,
			BytesPerSec: bps,
		})
	}
}

// Upload streams a local file into the remote destination directory. The
// content is written to a temp name next to the destination and renamed
// into place on success, so a cancelled or failed upload never clobbers an
// existing remote file at the destination path.
func (tc *TransferCoordinator) Upload(sessionID SessionID, t Transport, localSource, remoteDestDir string) (*TransferJob, error) {
	info, err := os.Stat(localSource)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("local file %s: %w", localSource, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat local file %s: %w", localSource, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot upload directory %s", localSource)
	}

	destPath := joinRemotePath(remoteDestDir, filepath.Base(localSource))
	job := newTransferJob(JobUpload, sessionID, localSource, destPath, destPath)
	job.total = info.Size()
	emit := tc.progressEmitter(job)

	job.run = func(ctx context.Context) error {
		local, err := os.Open(localSource)
		if err != nil {
			return fmt.Errorf("failed to open local file %s: %w", localSource, err)
		}
		defer local.Close()

		tmpPath := destPath + ".drift-" + shortID(job.ID)
		remote, err := t.OpenWrite(tmpPath)
		if err != nil {
			return err
		}

		reader := newProgressReader(ctx, bufio.NewReaderSize(local, tc.bufferSize), info.Size(), emit)
		buffer := make([]byte, tc.bufferSize)
		if _, err := io.CopyBuffer(remote, reader, buffer); err != nil {
			remote.Close()
			tc.removeArtifact(t, tmpPath)
			return err
		}
		if err := remote.Close(); err != nil {
			tc.removeArtifact(t, tmpPath)
			return fmt.Errorf("failed to finalize upload %s: %w", tmpPath, err)
		}

		if err := t.Rename(tmpPath, destPath); err != nil {
			tc.removeArtifact(t, tmpPath)
			return fmt.Errorf("failed to move upload into place %s: %w", destPath, err)
		}
		return nil
	}

	if err := tc.submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Download streams a remote file into the local destination directory. The
// destination directory must exist before any bytes move. Content is
// written to a temp file and renamed into place on success, so a cancelled
// or failed download never leaves a partial file at the destination path.
func (tc *TransferCoordinator) Download(sessionID SessionID, t Transport, remoteSource, localDestDir string) (*TransferJob, error) {
	info, err := os.Stat(localDestDir)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("destination directory %s: %w", localDestDir, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat destination %s: %w", localDestDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("destination %s: %w", localDestDir, ErrNotADirectory)
	}

	destPath := filepath.Join(localDestDir, baseRemotePath(remoteSource))
	job := newTransferJob(JobDownload, sessionID, remoteSource, destPath, remoteSource)
	emit := tc.progressEmitter(job)

	job.run = func(ctx context.Context) error {
		entry, err := t.Stat(remoteSource)
		if err != nil {
			return err
		}
		if entry.Kind == EntryDirectory {
			return fmt.Errorf("cannot download directory %s", remoteSource)
		}
		job.setProgress(0, entry.Size)

		remote, err := t.OpenRead(remoteSource)
		if err != nil {
			return err
		}
		defer remote.Close()

		tmp, err := os.CreateTemp(localDestDir, ".drift-*.partial")
		if err != nil {
			return fmt.Errorf("failed to create temp file in %s: %w", localDestDir, err)
		}
		tmpPath := tmp.Name()

		writer := bufio.NewWriterSize(tmp, tc.bufferSize)
		progress := newProgressWriter(ctx, writer, entry.Size, emit)
		buffer := make([]byte, tc.bufferSize)

		if _, err := io.CopyBuffer(progress, remote, buffer); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := writer.Flush(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to flush download data: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to close temp file: %w", err)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to move download into place: %w", err)
		}
		return nil
	}

	if err := tc.submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// OpenForEdit reads a remote file and yields its full decoded text content
// via the job result. Binary content fails with ErrNotUTF8 instead of being
// corrupted; files past the configured ceiling fail with ErrTooLarge
// instead of buffering unbounded content.
func (tc *TransferCoordinator) OpenForEdit(sessionID SessionID, t Transport, remotePath string) (*TransferJob, error) {
	job := newTransferJob(JobOpen, sessionID, remotePath, "", remotePath)
	emit := tc.progressEmitter(job)

	job.run = func(ctx context.Context) error {
		entry, err := t.Stat(remotePath)
		if err != nil {
			return err
		}
		if entry.Kind == EntryDirectory {
			return fmt.Errorf("cannot open directory %s for editing", remotePath)
		}
		if entry.Size > tc.maxEditSize {
			return fmt.Errorf("open %s (%d bytes, limit %d): %w", remotePath, entry.Size, tc.maxEditSize, ErrTooLarge)
		}
		job.setProgress(0, entry.Size)

		remote, err := t.OpenRead(remotePath)
		if err != nil {
			return err
		}
		defer remote.Close()

		reader := newProgressReader(ctx, remote, entry.Size, emit)
		content, err := io.ReadAll(io.LimitReader(reader, tc.maxEditSize+1))
		if err != nil {
			return err
		}
		// The file may have grown between stat and read.
		if int64(len(content)) > tc.maxEditSize {
			return fmt.Errorf("open %s: %w", remotePath, ErrTooLarge)
		}
		if !utf8.Valid(content) {
			return fmt.Errorf("open %s: %w", remotePath, ErrNotUTF8)
		}
		job.setResult(string(content))
		return nil
	}

	if err := tc.submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SaveEdit overwrites a remote file with new content, atomically from the
// caller's perspective: the content is written to a temp file next to the
// target and renamed over it, so after a failure the prior content remains
// untouched. Where the server lacks posix-rename the rename is best-effort.
func (tc *TransferCoordinator) SaveEdit(sessionID SessionID, t Transport, remotePath, content string) (*TransferJob, error) {
	job := newTransferJob(JobSave, sessionID, remotePath, remotePath, remotePath)
	job.total = int64(len(content))
	emit := tc.progressEmitter(job)

	job.run = func(ctx context.Context) error {
		tmpPath := remotePath + ".drift-" + shortID(job.ID)
		remote, err := t.OpenWrite(tmpPath)
		if err != nil {
			return err
		}

		data := []byte(content)
		reader := newProgressReader(ctx, bytes.NewReader(data), int64(len(data)), emit)
		buffer := make([]byte, tc.bufferSize)
		if _, err := io.CopyBuffer(remote, reader, buffer); err != nil {
			remote.Close()
			tc.removeArtifact(t, tmpPath)
			return err
		}
		if err := remote.Close(); err != nil {
			tc.removeArtifact(t, tmpPath)
			return fmt.Errorf("failed to finalize %s: %w", tmpPath, err)
		}

		if err := t.Rename(tmpPath, remotePath); err != nil {
			tc.removeArtifact(t, tmpPath)
			return fmt.Errorf("failed to replace %s: %w", remotePath, err)
		}
		return nil
	}

	if err := tc.submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a remote file, or a directory when recursive is set. The
// directory cache is invalidated automatically after a successful delete so
// subsequent listings reflect the removal.
func (tc *TransferCoordinator) Delete(sessionID SessionID, t Transport, remotePath string, recursive bool) (*TransferJob, error) {
	job := newTransferJob(JobDelete, sessionID, remotePath, "", remotePath)

	job.run = func(ctx context.Context) error {
		isDir, err := t.IsDirectory(remotePath)
		if err != nil {
			return err
		}

		if isDir {
			if recursive {
				err = deleteRecursive(ctx, t, remotePath)
			} else {
				err = t.RemoveDirectory(remotePath)
			}
		} else {
			err = t.Remove(remotePath)
		}
		if err != nil {
			return err
		}

		if tc.onDelete != nil {
			tc.onDelete(remotePath)
		}
		return nil
	}

	if err := tc.submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

// deleteRecursive removes a directory tree depth-first, checking for
// cancellation between entries.
func deleteRecursive(ctx context.Context, t Transport, remotePath string) error {
	entries, err := t.List(remotePath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ErrTransferCancelled
		}
		if entry.Kind == EntryDirectory {
			if err := deleteRecursive(ctx, t, entry.Path); err != nil {
				return err
			}
		} else {
			if err := t.Remove(entry.Path); err != nil {
				return err
			}
		}
	}
	return t.RemoveDirectory(remotePath)
}

// removeArtifact best-effort removes a temp artifact after a failed write.
func (tc *TransferCoordinator) removeArtifact(t Transport, remotePath string) {
	if err := t.Remove(remotePath); err != nil && !errors.Is(err, ErrNotFound) {
		tc.logger.Warn("failed to remove temp artifact",
			zap.String("path", remotePath), zap.Error(err))
	}
}

// Job returns a tracked job by id.
func (tc *TransferCoordinator) Job(id JobID) (*TransferJob, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.sweepLocked(time.Now())
	job, ok := tc.jobs[id]
	return job, ok
}

// Jobs returns snapshots of all tracked jobs, oldest first.
func (tc *TransferCoordinator) Jobs() []JobSnapshot {
	tc.mu.Lock()
	tc.sweepLocked(time.Now())
	jobs := make([]*TransferJob, 0, len(tc.jobs))
	for _, job := range tc.jobs {
		jobs = append(jobs, job)
	}
	tc.mu.Unlock()

	snapshots := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	sort.Slice(snapshots, func(i, k int) bool {
		return snapshots[i].Created.Before(snapshots[k].Created)
	})
	return snapshots
}

// Cancel requests cancellation of a tracked job.
func (tc *TransferCoordinator) Cancel(id JobID) error {
	job, ok := tc.Job(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.Cancel()
	return nil
}

// CancelAll cancels every non-terminal job. A non-nil reason (typically a
// TransportError after connection loss) is attached to each cancellation.
func (tc *TransferCoordinator) CancelAll(reason error) {
	tc.mu.Lock()
	jobs := make([]*TransferJob, 0, len(tc.jobs))
	for _, job := range tc.jobs {
		jobs = append(jobs, job)
	}
	tc.mu.Unlock()

	for _, job := range jobs {
		job.cancelWithReason(reason)
	}
}

// Close implements the Cleanup interface for TransferCoordinator
func (tc *TransferCoordinator) Close() error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return nil
	}
	tc.closed = true
	tc.mu.Unlock()

	tc.CancelAll(nil)
	close(tc.quit)
	tc.wg.Wait()

	// Settle anything still queued so waiters are released.
	for {
		select {
		case job := <-tc.queue:
			tc.settle(job, ErrTransferCancelled)
		default:
			return nil
		}
	}
}

// shortID returns the leading segment of a UUID for temp file suffixes.
func shortID(id JobID) string {
	s := id.String()
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}
