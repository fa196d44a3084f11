package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// joinRemotePath properly joins remote paths using forward slashes
func joinRemotePath(base, name string) string {
	if base == "" {
		return name
	}
	if name == "" {
		return base
	}
	// Always use forward slashes for remote paths (Unix-style)
	return strings.TrimSuffix(base, "/") + "/" + name
}

// baseRemotePath returns the last element of a remote path.
func baseRemotePath(remotePath string) string {
	return path.Base(strings.TrimSuffix(remotePath, "/"))
}

// parentRemotePath returns the parent directory of a remote path.
func parentRemotePath(remotePath string) string {
	parent := path.Dir(strings.TrimSuffix(remotePath, "/"))
	if parent == "" {
		return "/"
	}
	return parent
}

// Transport is the typed façade over one authenticated SSH/SFTP connection.
// Every call fails with an error from the taxonomy in errors.go when the
// underlying connection is no longer usable. The transport never retries
// internally; retry policy belongs to the caller so that retry counts and
// backoff stay observable in one place.
type Transport interface {
	List(remotePath string) ([]RemoteEntry, error)
	Stat(remotePath string) (RemoteEntry, error)
	OpenRead(remotePath string) (io.ReadCloser, error)
	OpenWrite(remotePath string) (io.WriteCloser, error)
	Remove(remotePath string) error
	RemoveDirectory(remotePath string) error
	Rename(oldPath, newPath string) error
	Mkdir(remotePath string) error
	IsDirectory(remotePath string) (bool, error)
	RealPath(remotePath string) (string, error)
	Close() error
}

// sftpTransport implements Transport over a live ssh client and sftp client.
// All protocol calls are serialized through one mutex per connection: SFTP
// multiplexes logical requests over one stream, but treating the transport
// as a single critical section avoids subtle ordering bugs at the cost of
// throughput. Streamed reads and writes take the mutex per chunk so long
// transfers do not starve directory listings.
type sftpTransport struct {
	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
	closed bool
}

// newSFTPTransport wraps an established ssh connection with an sftp client.
func newSFTPTransport(sshClient *ssh.Client, cfg SFTPConfig) (*sftpTransport, error) {
	opts := []sftp.ClientOption{
		// Larger packets than the 32KB default improve throughput on
		// modern servers; MaxPacketUnchecked bypasses the safety check.
		sftp.MaxPacketUnchecked(cfg.MaxPacketSize),
	}

	client, err := sftp.NewClient(sshClient, opts...)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &sftpTransport{ssh: sshClient, client: client}, nil
}

// mapRemoteError converts raw sftp errors into the taxonomy.
func mapRemoteError(op, remotePath string, err error) error {
	if err == nil {
		return nil
	}
	if isNotExist(err) {
		return fmt.Errorf("%s %s: %w", op, remotePath, ErrNotFound)
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, sftp.ErrSshFxConnectionLost) ||
		errors.Is(err, sftp.ErrSshFxNoConnection) ||
		strings.Contains(err.Error(), "connection lost") ||
		strings.Contains(err.Error(), "use of closed network connection") {
		return &TransportError{
			Code:    TransportCodeConnectionLost,
			Message: fmt.Sprintf("%s %s: %v", op, remotePath, err),
			Err:     err,
		}
	}
	return &TransportError{
		Code:    TransportCodeProtocol,
		Message: fmt.Sprintf("%s %s: %v", op, remotePath, err),
		Err:     err,
	}
}

// entryFromFileInfo builds a RemoteEntry from an sftp FileInfo.
func entryFromFileInfo(fullPath string, fi os.FileInfo) RemoteEntry {
	kind := EntryOther
	switch {
	case fi.IsDir():
		kind = EntryDirectory
	case fi.Mode().IsRegular():
		kind = EntryFile
	}

	return RemoteEntry{
		Name:         fi.Name(),
		Path:         fullPath,
		Kind:         kind,
		Size:         fi.Size(),
		Mode:         fi.Mode().String(),
		ModifiedTime: fi.ModTime(),
		IsSymlink:    fi.Mode()&os.ModeSymlink != 0,
	}
}

// List reads the contents of a remote directory.
func (t *sftpTransport) List(remotePath string) ([]RemoteEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fileInfos, err := t.client.ReadDir(remotePath)
	if err != nil {
		return nil, mapRemoteError("list", remotePath, err)
	}

	entries := make([]RemoteEntry, 0, len(fileInfos))
	for _, fi := range fileInfos {
		fullPath := joinRemotePath(remotePath, fi.Name())
		entry := entryFromFileInfo(fullPath, fi)
		if entry.IsSymlink {
			// Resolve the symlink target; failure here is not fatal.
			if target, err := t.client.ReadLink(fullPath); err == nil {
				entry.SymlinkTarget = target
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stat returns the entry for a single remote path.
func (t *sftpTransport) Stat(remotePath string) (RemoteEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fi, err := t.client.Stat(remotePath)
	if err != nil {
		return RemoteEntry{}, mapRemoteError("stat", remotePath, err)
	}
	return entryFromFileInfo(remotePath, fi), nil
}

// IsDirectory reports whether a remote path is a directory. A missing path
// is ErrNotFound, distinct from "exists but is not a directory".
func (t *sftpTransport) IsDirectory(remotePath string) (bool, error) {
	entry, err := t.Stat(remotePath)
	if err != nil {
		return false, err
	}
	return entry.Kind == EntryDirectory, nil
}

// OpenRead opens a remote file for streaming reads.
func (t *sftpTransport) OpenRead(remotePath string) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.client.Open(remotePath)
	if err != nil {
		return nil, mapRemoteError("open", remotePath, err)
	}
	return &lockedReadCloser{t: t, f: f, path: remotePath}, nil
}

// OpenWrite creates or truncates a remote file for streaming writes.
func (t *sftpTransport) OpenWrite(remotePath string) (io.WriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.client.Create(remotePath)
	if err != nil {
		return nil, mapRemoteError("create", remotePath, err)
	}
	return &lockedWriteCloser{t: t, f: f, path: remotePath}, nil
}

// Remove deletes a remote file.
func (t *sftpTransport) Remove(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return mapRemoteError("remove", remotePath, t.client.Remove(remotePath))
}

// RemoveDirectory deletes an empty remote directory.
func (t *sftpTransport) RemoveDirectory(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return mapRemoteError("rmdir", remotePath, t.client.RemoveDirectory(remotePath))
}

// Rename moves oldPath to newPath, replacing newPath if it exists. Uses the
// posix-rename extension when the server supports it so the replacement is
// atomic; otherwise falls back to the plain SFTP rename, which is
// best-effort only.
func (t *sftpTransport) Rename(oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.client.PosixRename(oldPath, newPath)
	if err != nil && errors.Is(err, sftp.ErrSshFxOpUnsupported) {
		err = t.client.Rename(oldPath, newPath)
	}
	return mapRemoteError("rename", oldPath, err)
}

// Mkdir creates a remote directory.
func (t *sftpTransport) Mkdir(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return mapRemoteError("mkdir", remotePath, t.client.Mkdir(remotePath))
}

// RealPath canonicalizes a remote path ("." and ".." resolved server-side).
func (t *sftpTransport) RealPath(remotePath string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	abs, err := t.client.RealPath(remotePath)
	if err != nil {
		return "", mapRemoteError("realpath", remotePath, err)
	}
	return abs, nil
}

// Close tears down the sftp client and the ssh connection.
func (t *sftpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if err := t.client.Close(); err != nil {
		firstErr = err
	}
	if err := t.ssh.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// lockedReadCloser serializes streamed reads against the transport mutex so
// each chunk is one critical section rather than the whole transfer.
type lockedReadCloser struct {
	t    *sftpTransport
	f    *sftp.File
	path string
}

func (r *lockedReadCloser) Read(p []byte) (int, error) {
	r.t.mu.Lock()
	n, err := r.f.Read(p)
	r.t.mu.Unlock()

	if err != nil && err != io.EOF {
		return n, mapRemoteError("read", r.path, err)
	}
	return n, err
}

func (r *lockedReadCloser) Close() error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	return r.f.Close()
}

// lockedWriteCloser serializes streamed writes against the transport mutex.
type lockedWriteCloser struct {
	t    *sftpTransport
	f    *sftp.File
	path string
}

func (w *lockedWriteCloser) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	n, err := w.f.Write(p)
	w.t.mu.Unlock()

	if err != nil {
		return n, mapRemoteError("write", w.path, err)
	}
	return n, nil
}

func (w *lockedWriteCloser) Close() error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return w.f.Close()
}
