package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testCoordinator(t *testing.T, cfg TransferConfig) *TransferCoordinator {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	if cfg.MaxEditSize == 0 {
		cfg.MaxEditSize = DefaultMaxEditSize
	}
	tc := NewTransferCoordinator(cfg, NewEventBus(zap.NewNop()), zap.NewNop())
	t.Cleanup(func() { tc.Close() })
	return tc
}

func waitJob(t *testing.T, job *TransferJob) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := job.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job %s did not settle in time", job.ID)
	}
	return err
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()

	content := "round trip payload\nwith a second line\n"
	localDir := t.TempDir()
	localFile := filepath.Join(localDir, "report.txt")
	if err := os.WriteFile(localFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	up, err := tc.Upload("sess", transport, localFile, "/home/user")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := waitJob(t, up); err != nil {
		t.Fatalf("upload job failed: %v", err)
	}
	if got, ok := transport.fileContent("/home/user/report.txt"); !ok || got != content {
		t.Fatalf("remote content = %q, ok=%v", got, ok)
	}

	destDir := t.TempDir()
	down, err := tc.Download("sess", transport, "/home/user/report.txt", destDir)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if err := waitJob(t, down); err != nil {
		t.Fatalf("download job failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "report.txt"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != content {
		t.Fatalf("downloaded content = %q, want %q", data, content)
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".partial") {
			t.Fatalf("temp artifact left behind: %s", e.Name())
		}
	}

	transferred, total := down.Progress()
	if transferred != int64(len(content)) || total != int64(len(content)) {
		t.Fatalf("progress = %d/%d, want %d/%d", transferred, total, len(content), len(content))
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()

	_, err := tc.Upload("sess", transport, filepath.Join(t.TempDir(), "absent.txt"), "/home/user")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("upload of missing local file = %v, want ErrNotFound", err)
	}
}

func TestDownloadValidatesDestination(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("data.bin", "xxxx")

	// Missing destination directory fails before any bytes move.
	_, err := tc.Download("sess", transport, "data.bin", filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("download into missing dir = %v, want ErrNotFound", err)
	}

	// Missing remote file fails the job with ErrNotFound.
	job, err := tc.Download("sess", transport, "absent.bin", t.TempDir())
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if err := waitJob(t, job); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job error = %v, want ErrNotFound", err)
	}
	if job.State() != JobFailed {
		t.Fatalf("job state = %v, want failed", job.State())
	}
}

func TestConcurrentDeleteConflict(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("victim.txt", "doomed")

	gate := make(chan struct{})
	hooked := &hookTransport{
		Transport: transport,
		remove: func(remotePath string) error {
			<-gate
			return transport.Remove(remotePath)
		},
	}

	first, err := tc.Delete("sess", hooked, "/home/user/victim.txt", false)
	if err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}

	// The path lock is held from submission, so the second delete fails
	// fast instead of queueing behind the first.
	if _, err := tc.Delete("sess", hooked, "/home/user/victim.txt", false); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Delete = %v, want ErrConflict", err)
	}

	close(gate)
	if err := waitJob(t, first); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}

	// Lock released after settling; the next delete runs and reports the
	// file as already gone.
	third, err := tc.Delete("sess", hooked, "/home/user/victim.txt", false)
	if err != nil {
		t.Fatalf("third Delete failed: %v", err)
	}
	if err := waitJob(t, third); !errors.Is(err, ErrNotFound) {
		t.Fatalf("third delete error = %v, want ErrNotFound", err)
	}
}

func TestCancelDownloadLeavesNoPartialFile(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("big.bin", strings.Repeat("x", 64))

	gate := make(chan struct{})
	hooked := &hookTransport{
		Transport: transport,
		openRead: func(remotePath string) (io.ReadCloser, error) {
			data, _ := transport.fileContent(remotePath)
			return &fakeReadCloser{reader: bytes.NewReader([]byte(data)), chunk: 8, gate: gate}, nil
		},
	}

	destDir := t.TempDir()
	job, err := tc.Download("sess", hooked, "/home/user/big.bin", destDir)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	gate <- struct{}{} // let the first chunk through
	job.Cancel()
	close(gate) // release the stream so cancellation is observed

	if err := waitJob(t, job); !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("job error = %v, want ErrTransferCancelled", err)
	}
	if job.State() != JobCancelled {
		t.Fatalf("job state = %v, want cancelled", job.State())
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("destination not clean after cancel: %v", entries)
	}
}

func TestCancelUploadKeepsExistingRemoteFile(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("report.txt", "precious original content")

	localDir := t.TempDir()
	localFile := filepath.Join(localDir, "report.txt")
	if err := os.WriteFile(localFile, []byte(strings.Repeat("z", 4096)), 0644); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	hooked := &hookTransport{
		Transport: transport,
		openWrite: func(remotePath string) (io.WriteCloser, error) {
			w, err := transport.OpenWrite(remotePath)
			if err != nil {
				return nil, err
			}
			fw := w.(*fakeWriteCloser)
			fw.gate = gate
			return fw, nil
		},
	}

	job, err := tc.Upload("sess", hooked, localFile, "/home/user")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	gate <- struct{}{} // let the first chunk through
	job.Cancel()
	close(gate) // release the stream so cancellation is observed

	if err := waitJob(t, job); !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("job error = %v, want ErrTransferCancelled", err)
	}
	if job.State() != JobCancelled {
		t.Fatalf("job state = %v, want cancelled", job.State())
	}

	// The file that existed before the job must survive untouched.
	if got, ok := transport.fileContent("/home/user/report.txt"); !ok || got != "precious original content" {
		t.Fatalf("pre-existing remote file after cancel = %q, ok=%v", got, ok)
	}
	transport.mu.Lock()
	for p := range transport.files {
		if strings.Contains(p, ".drift-") {
			t.Errorf("temp artifact left behind: %s", p)
		}
	}
	transport.mu.Unlock()
}

func TestCancelRaceDoesNotMaskFailure(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("doc.txt", "data")

	protoErr := &TransportError{Code: TransportCodeProtocol, Message: "failure opening remote file"}
	entered := make(chan struct{})
	release := make(chan struct{})
	hooked := &hookTransport{
		Transport: transport,
		openRead: func(remotePath string) (io.ReadCloser, error) {
			entered <- struct{}{}
			<-release
			return nil, protoErr
		},
	}

	job, err := tc.Download("sess", hooked, "/home/user/doc.txt", t.TempDir())
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	<-entered // the job is past the pending-cancel check and running
	job.Cancel()
	close(release)

	err = waitJob(t, job)
	var te *TransportError
	if !errors.As(err, &te) || te.Code != TransportCodeProtocol {
		t.Fatalf("job error = %v, want the transport failure", err)
	}
	if errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("failure reported as cancellation: %v", err)
	}
	if job.State() != JobFailed {
		t.Fatalf("job state = %v, want failed", job.State())
	}
}

func TestOpenForEdit(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("notes.txt", "line one\nline two\n")

	job, err := tc.OpenForEdit("sess", transport, "/home/user/notes.txt")
	if err != nil {
		t.Fatalf("OpenForEdit failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("open job failed: %v", err)
	}
	if job.Result() != "line one\nline two\n" {
		t.Fatalf("result = %q", job.Result())
	}
}

func TestOpenForEditRejectsBinary(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("image.png", string([]byte{0x89, 0x50, 0xff, 0xfe, 0x00}))

	job, err := tc.OpenForEdit("sess", transport, "/home/user/image.png")
	if err != nil {
		t.Fatalf("OpenForEdit failed: %v", err)
	}
	if err := waitJob(t, job); !errors.Is(err, ErrNotUTF8) {
		t.Fatalf("job error = %v, want ErrNotUTF8", err)
	}
}

func TestOpenForEditRejectsOversize(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{MaxEditSize: 8})
	transport := newFakeTransport()
	transport.putFile("huge.log", "this is more than eight bytes")

	job, err := tc.OpenForEdit("sess", transport, "/home/user/huge.log")
	if err != nil {
		t.Fatalf("OpenForEdit failed: %v", err)
	}
	if err := waitJob(t, job); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("job error = %v, want ErrTooLarge", err)
	}
}

func TestSaveEditReplacesContent(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("config.yaml", "version: 1\n")

	job, err := tc.SaveEdit("sess", transport, "/home/user/config.yaml", "version: 2\n")
	if err != nil {
		t.Fatalf("SaveEdit failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("save job failed: %v", err)
	}

	if got, _ := transport.fileContent("/home/user/config.yaml"); got != "version: 2\n" {
		t.Fatalf("remote content = %q", got)
	}

	// No temp artifact may remain next to the target.
	transport.mu.Lock()
	for p := range transport.files {
		if strings.Contains(p, ".drift-") {
			t.Errorf("temp artifact left behind: %s", p)
		}
	}
	transport.mu.Unlock()
}

func TestSaveEditFailureKeepsOriginal(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("config.yaml", "version: 1\n")

	hooked := &hookTransport{
		Transport: transport,
		rename: func(oldPath, newPath string) error {
			return &TransportError{Code: TransportCodeProtocol, Message: "permission denied"}
		},
	}

	job, err := tc.SaveEdit("sess", hooked, "/home/user/config.yaml", "version: 2\n")
	if err != nil {
		t.Fatalf("SaveEdit failed: %v", err)
	}
	if err := waitJob(t, job); err == nil {
		t.Fatal("save job should have failed")
	}

	if got, _ := transport.fileContent("/home/user/config.yaml"); got != "version: 1\n" {
		t.Fatalf("original content was damaged: %q", got)
	}
	transport.mu.Lock()
	for p := range transport.files {
		if strings.Contains(p, ".drift-") {
			t.Errorf("temp artifact left behind: %s", p)
		}
	}
	transport.mu.Unlock()
}

func TestDeleteNotifiesForInvalidation(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("old.txt", "bye")

	deleted := make(chan string, 1)
	tc.onDelete = func(remotePath string) { deleted <- remotePath }

	job, err := tc.Delete("sess", transport, "/home/user/old.txt", false)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("delete job failed: %v", err)
	}

	select {
	case path := <-deleted:
		if path != "/home/user/old.txt" {
			t.Fatalf("onDelete path = %q", path)
		}
	case <-time.After(time.Second):
		t.Fatal("onDelete was not called")
	}
	if _, ok := transport.fileContent("/home/user/old.txt"); ok {
		t.Fatal("file still present after delete")
	}
}

func TestRecursiveDelete(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putDir("project")
	transport.putDir("project/sub")
	transport.putFile("project/a.txt", "a")
	transport.putFile("project/sub/b.txt", "b")

	job, err := tc.Delete("sess", transport, "/home/user/project", true)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("recursive delete failed: %v", err)
	}

	if ok, _ := transport.IsDirectory("/home/user/project"); ok {
		t.Fatal("directory still present after recursive delete")
	}
}

func TestConnectionLostFailsSession(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("doc.txt", "data")

	lost := &TransportError{Code: TransportCodeConnectionLost, Message: "connection reset"}
	hooked := &hookTransport{
		Transport: transport,
		remove: func(remotePath string) error {
			return lost
		},
	}

	failed := make(chan SessionID, 1)
	tc.onTransportFailure = func(id SessionID, err error) {
		if IsConnectionLost(err) {
			failed <- id
		}
	}

	job, err := tc.Delete("sess-42", hooked, "/home/user/doc.txt", false)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := waitJob(t, job); !IsConnectionLost(err) {
		t.Fatalf("job error = %v, want connection-lost", err)
	}

	select {
	case id := <-failed:
		if id != "sess-42" {
			t.Fatalf("failed session id = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("transport failure was not reported")
	}
}

func TestCancelAllTagsTransportReason(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("slow.bin", strings.Repeat("y", 32))

	gate := make(chan struct{})
	hooked := &hookTransport{
		Transport: transport,
		openRead: func(remotePath string) (io.ReadCloser, error) {
			data, _ := transport.fileContent(remotePath)
			return &fakeReadCloser{reader: bytes.NewReader([]byte(data)), chunk: 8, gate: gate}, nil
		},
	}

	job, err := tc.Download("sess", hooked, "/home/user/slow.bin", t.TempDir())
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	lost := &TransportError{Code: TransportCodeConnectionLost, Message: "session torn down"}
	tc.CancelAll(lost)
	close(gate)

	err = waitJob(t, job)
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("job error = %v, want ErrTransferCancelled", err)
	}
	if !IsConnectionLost(err) {
		t.Fatalf("cancellation not tagged with transport error: %v", err)
	}
	if job.State() != JobCancelled {
		t.Fatalf("job state = %v, want cancelled", job.State())
	}
}

func TestJobTracking(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{})
	transport := newFakeTransport()
	transport.putFile("a.txt", "a")

	job, err := tc.OpenForEdit("sess", transport, "/home/user/a.txt")
	if err != nil {
		t.Fatalf("OpenForEdit failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("open job failed: %v", err)
	}

	snapshots := tc.Jobs()
	if len(snapshots) != 1 {
		t.Fatalf("got %d jobs, want 1", len(snapshots))
	}
	if snapshots[0].ID != job.ID || snapshots[0].State != "succeeded" {
		t.Fatalf("unexpected snapshot: %+v", snapshots[0])
	}

	if _, ok := tc.Job(job.ID); !ok {
		t.Fatal("Job lookup failed for tracked job")
	}
	if err := tc.Cancel("no-such-job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel of unknown job = %v, want ErrNotFound", err)
	}
}

func TestJobRetentionSweep(t *testing.T) {
	tc := testCoordinator(t, TransferConfig{JobRetentionSeconds: 1})
	tc.retention = time.Millisecond // shrink further than config allows
	transport := newFakeTransport()
	transport.putFile("a.txt", "a")

	job, err := tc.OpenForEdit("sess", transport, "/home/user/a.txt")
	if err != nil {
		t.Fatalf("OpenForEdit failed: %v", err)
	}
	if err := waitJob(t, job); err != nil {
		t.Fatalf("open job failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if jobs := tc.Jobs(); len(jobs) != 0 {
		t.Fatalf("settled job not swept: %+v", jobs)
	}
}
