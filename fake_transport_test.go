package main

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport for tests. Paths behave like a
// Unix filesystem rooted at "/" with a home directory at /home/user.
type fakeTransport struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	home   string
	closed bool

	// failWith, when set, makes every operation fail with this error.
	failWith error
	// readChunk limits how many bytes each Read returns, so tests can
	// observe multi-chunk transfers. Zero means unlimited.
	readChunk int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files: make(map[string][]byte),
		dirs: map[string]bool{
			"/":          true,
			"/home":      true,
			"/home/user": true,
		},
		home: "/home/user",
	}
}

func (t *fakeTransport) normalize(p string) string {
	if p == "" || p == "." {
		return t.home
	}
	if !strings.HasPrefix(p, "/") {
		p = t.home + "/" + p
	}
	return path.Clean(p)
}

func (t *fakeTransport) putFile(p, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[t.normalize(p)] = []byte(content)
}

func (t *fakeTransport) putDir(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirs[t.normalize(p)] = true
}

func (t *fakeTransport) fileContent(p string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.files[t.normalize(p)]
	return string(data), ok
}

func (t *fakeTransport) List(remotePath string) ([]RemoteEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}

	dir := t.normalize(remotePath)
	if !t.dirs[dir] {
		if _, isFile := t.files[dir]; isFile {
			return nil, &TransportError{Code: TransportCodeProtocol, Message: "not a directory: " + dir}
		}
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotFound)
	}

	var entries []RemoteEntry
	for p, data := range t.files {
		if path.Dir(p) == dir {
			entries = append(entries, RemoteEntry{
				Name: path.Base(p), Path: p, Kind: EntryFile,
				Size: int64(len(data)), ModifiedTime: time.Now(),
			})
		}
	}
	for p := range t.dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, RemoteEntry{
				Name: path.Base(p), Path: p, Kind: EntryDirectory,
				ModifiedTime: time.Now(),
			})
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name < entries[k].Name })
	return entries, nil
}

func (t *fakeTransport) Stat(remotePath string) (RemoteEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return RemoteEntry{}, t.failWith
	}

	p := t.normalize(remotePath)
	if t.dirs[p] {
		return RemoteEntry{Name: path.Base(p), Path: p, Kind: EntryDirectory}, nil
	}
	if data, ok := t.files[p]; ok {
		return RemoteEntry{Name: path.Base(p), Path: p, Kind: EntryFile, Size: int64(len(data))}, nil
	}
	return RemoteEntry{}, fmt.Errorf("stat %s: %w", p, ErrNotFound)
}

func (t *fakeTransport) IsDirectory(remotePath string) (bool, error) {
	entry, err := t.Stat(remotePath)
	if err != nil {
		return false, err
	}
	return entry.Kind == EntryDirectory, nil
}

func (t *fakeTransport) OpenRead(remotePath string) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}

	p := t.normalize(remotePath)
	data, ok := t.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, ErrNotFound)
	}
	return &fakeReadCloser{reader: bytes.NewReader(append([]byte(nil), data...)), chunk: t.readChunk}, nil
}

func (t *fakeTransport) OpenWrite(remotePath string) (io.WriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return nil, t.failWith
	}

	p := t.normalize(remotePath)
	if !t.dirs[path.Dir(p)] {
		return nil, fmt.Errorf("create %s: %w", p, ErrNotFound)
	}
	// Like a real create: the file exists (empty) as soon as it is opened.
	t.files[p] = nil
	return &fakeWriteCloser{t: t, path: p}, nil
}

func (t *fakeTransport) Remove(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}

	p := t.normalize(remotePath)
	if _, ok := t.files[p]; !ok {
		return fmt.Errorf("remove %s: %w", p, ErrNotFound)
	}
	delete(t.files, p)
	return nil
}

func (t *fakeTransport) RemoveDirectory(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}

	p := t.normalize(remotePath)
	if !t.dirs[p] {
		return fmt.Errorf("rmdir %s: %w", p, ErrNotFound)
	}
	for f := range t.files {
		if path.Dir(f) == p {
			return &TransportError{Code: TransportCodeProtocol, Message: "directory not empty: " + p}
		}
	}
	for d := range t.dirs {
		if d != p && path.Dir(d) == p {
			return &TransportError{Code: TransportCodeProtocol, Message: "directory not empty: " + p}
		}
	}
	delete(t.dirs, p)
	return nil
}

func (t *fakeTransport) Rename(oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}

	from, to := t.normalize(oldPath), t.normalize(newPath)
	if data, ok := t.files[from]; ok {
		delete(t.files, from)
		t.files[to] = data
		return nil
	}
	if t.dirs[from] {
		delete(t.dirs, from)
		t.dirs[to] = true
		return nil
	}
	return fmt.Errorf("rename %s: %w", from, ErrNotFound)
}

func (t *fakeTransport) Mkdir(remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}

	p := t.normalize(remotePath)
	if t.dirs[p] {
		return &TransportError{Code: TransportCodeProtocol, Message: "already exists: " + p}
	}
	t.dirs[p] = true
	return nil
}

func (t *fakeTransport) RealPath(remotePath string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return "", t.failWith
	}
	return t.normalize(remotePath), nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeReadCloser struct {
	reader *bytes.Reader
	chunk  int
	// gate, when non-nil, is received from before every read so tests can
	// pause a transfer mid-stream.
	gate chan struct{}
}

func (r *fakeReadCloser) Read(p []byte) (int, error) {
	if r.gate != nil {
		<-r.gate
	}
	if r.chunk > 0 && len(p) > r.chunk {
		p = p[:r.chunk]
	}
	return r.reader.Read(p)
}

func (r *fakeReadCloser) Close() error { return nil }

type fakeWriteCloser struct {
	t    *fakeTransport
	path string
	buf  bytes.Buffer
	// gate, when non-nil, is received from before every write so tests can
	// pause a transfer mid-stream.
	gate chan struct{}
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	if w.t.failWith != nil {
		return 0, w.t.failWith
	}
	n, _ := w.buf.Write(p)
	// Writes land immediately, like streaming to a real file.
	w.t.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return n, nil
}

func (w *fakeWriteCloser) Close() error { return nil }

// hookTransport overrides selected operations of an embedded Transport.
type hookTransport struct {
	Transport
	openRead  func(remotePath string) (io.ReadCloser, error)
	openWrite func(remotePath string) (io.WriteCloser, error)
	remove    func(remotePath string) error
	rename    func(oldPath, newPath string) error
}

func (h *hookTransport) OpenRead(remotePath string) (io.ReadCloser, error) {
	if h.openRead != nil {
		return h.openRead(remotePath)
	}
	return h.Transport.OpenRead(remotePath)
}

func (h *hookTransport) OpenWrite(remotePath string) (io.WriteCloser, error) {
	if h.openWrite != nil {
		return h.openWrite(remotePath)
	}
	return h.Transport.OpenWrite(remotePath)
}

func (h *hookTransport) Remove(remotePath string) error {
	if h.remove != nil {
		return h.remove(remotePath)
	}
	return h.Transport.Remove(remotePath)
}

func (h *hookTransport) Rename(oldPath, newPath string) error {
	if h.rename != nil {
		return h.rename(oldPath, newPath)
	}
	return h.Transport.Rename(oldPath, newPath)
}
