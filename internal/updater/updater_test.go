package updater

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/breeze-rmm/selfupdate/internal/bspatch"
	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/source"
	"github.com/breeze-rmm/selfupdate/internal/staging"
	"github.com/breeze-rmm/selfupdate/internal/transfer"
	"github.com/breeze-rmm/selfupdate/internal/trust"
	"github.com/breeze-rmm/selfupdate/internal/updateerr"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// fakeServer stands in for the update server API.
type fakeServer struct {
	mu       sync.Mutex
	files    []manifest.FileDescriptor
	fallback bool
	err      error
	chain    []manifest.FileDescriptor
	block    chan struct{}

	manifestCalls atomic.Int32
	chainCalls    atomic.Int32
}

func (f *fakeServer) FetchManifest(ctx context.Context, stream string) (*manifest.Manifest, error) {
	f.manifestCalls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.fallback {
		return &manifest.Manifest{Fallback: true, Raw: manifest.FallbackBody}, nil
	}
	return &manifest.Manifest{Files: f.files}, nil
}

func (f *fakeServer) FetchPatchChain(ctx context.Context, stream string, target manifest.FileDescriptor, localHash string) ([]manifest.FileDescriptor, error) {
	f.chainCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chain, nil
}

// payloads serves fixed bodies by path and 404 for anything else.
type payloads struct {
	mu     sync.Mutex
	bodies map[string][]byte
	hits   map[string]int
}

func newPayloads(bodies map[string][]byte) (*payloads, *httptest.Server) {
	p := &payloads{bodies: bodies, hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		body, ok := p.bodies[r.URL.Path]
		p.hits[r.URL.Path]++
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	return p, srv
}

// zipped wraps body in a zip archive under the entry name, the way the
// release server packs full downloads.
func zipped(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(body))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (p *payloads) count(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// blockingFetcher never completes until the context is cancelled.
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, rawURL, dest string, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", updateerr.ErrAborted, ctx.Err())
}

// countingFetcher records calls and fails them.
type countingFetcher struct{ calls atomic.Int32 }

func (c *countingFetcher) Fetch(ctx context.Context, rawURL, dest string, onProgress transfer.ProgressFunc) (*transfer.Result, error) {
	c.calls.Add(1)
	return nil, errors.New("unexpected fetch")
}

type harness struct {
	root  string
	store kvstore.Store
	cache *hashcache.Cache
	com   *staging.Committer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store := kvstore.NewFileStore(filepath.Join(t.TempDir(), "state.yaml"))
	cache, err := hashcache.New(store, root, hashcache.MD5)
	if err != nil {
		t.Fatal(err)
	}
	com := staging.New(root, cache, store, nil, staging.Options{MoveAttempts: 2, MoveBudget: 10 * time.Millisecond})
	return &harness{root: root, store: store, cache: cache, com: com}
}

func (h *harness) updater(t *testing.T, ms ManifestService, f Fetcher, mutate func(*Options)) *Updater {
	t.Helper()
	opts := Options{
		Manifest:      ms,
		Fetcher:       f,
		Store:         h.store,
		Cache:         h.cache,
		Committer:     h.com,
		Primary:       "a.exe",
		MaxConcurrent: 2,
		CleanupWait:   200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	u, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func httpFetcher() *transfer.Client {
	mux := source.NewMux(source.NewHTTPSource(5 * time.Second))
	return transfer.New(mux, transfer.Config{Attempts: 1, RetryDelay: time.Millisecond, StallTimeout: 5 * time.Second})
}

func descriptor(name, body, url string, version int) manifest.FileDescriptor {
	return manifest.FileDescriptor{
		Filename:    name,
		FileVersion: version,
		FileHash:    md5hex(body),
		FileSize:    int64(len(body)),
		URLFull:     url,
	}
}

func TestRunDownloadsChangedAndNewFiles(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "old")
	writeFile(t, filepath.Join(h.root, "keep.txt"), "same")

	pl, srv := newPayloads(map[string][]byte{
		"/a.exe.zip":     zipped(t, "a.exe", "new exe"),
		"/sub/b.txt.zip": zipped(t, "sub/b.txt", "fresh"),
		"/keep.txt.zip":  zipped(t, "keep.txt", "same"),
	})
	defer srv.Close()

	fs := &fakeServer{files: []manifest.FileDescriptor{
		descriptor("a.exe", "new exe", srv.URL+"/a.exe", 2),
		descriptor("sub/b.txt", "fresh", srv.URL+"/sub/b.txt", 1),
		descriptor("keep.txt", "same", srv.URL+"/keep.txt", 1),
	}}
	u := h.updater(t, fs, httpFetcher(), nil)

	var mu sync.Mutex
	var seen []Status
	u.OnStatus(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	if st := u.Run(context.Background(), "Stable"); st != Completed {
		t.Fatalf("status = %v (%s), want Completed", st, u.Snapshot().LastError)
	}

	if got := readFile(t, filepath.Join(h.root, "a.exe")); got != "new exe" {
		t.Fatalf("a.exe = %q", got)
	}
	if got := readFile(t, filepath.Join(h.root, "sub", "b.txt")); got != "fresh" {
		t.Fatalf("sub/b.txt = %q", got)
	}
	if pl.count("/keep.txt.zip") != 0 {
		t.Fatal("unchanged file should not be downloaded")
	}
	for _, dir := range []string{h.com.StagingDir(), h.com.PendingDir()} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("%s should be gone after commit", dir)
		}
	}
	if v, _ := h.store.Get(hashcache.Key("a.exe")); v != md5hex("new exe") {
		t.Fatalf("cached digest = %q", v)
	}
	if v, _ := h.store.Get(staging.ReleaseStreamKey); v != "Stable" {
		t.Fatalf("release stream = %q", v)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{Checking, Updating, Completed}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("status sequence = %v, want %v", seen, want)
	}
	if got, _ := u.Health().Get(health.ComponentCommit); got.Status != health.Healthy {
		t.Fatalf("commit health = %v", got.Status)
	}
}

func TestRunUpToDateIsNoUpdate(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "v1")
	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "v1", "http://unused/a.exe", 1)}}
	f := &countingFetcher{}
	u := h.updater(t, fs, f, nil)

	if st := u.Run(context.Background(), "stable"); st != NoUpdate {
		t.Fatalf("status = %v, want NoUpdate", st)
	}
	if f.calls.Load() != 0 {
		t.Fatal("no transfer expected")
	}
}

func TestRunCommitsSatisfyingPendingTreeWithoutTransfers(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "old")
	writeFile(t, filepath.Join(h.com.PendingDir(), "a.exe"), "staged")

	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "staged", "http://unused/a.exe", 2)}}
	f := &countingFetcher{}
	u := h.updater(t, fs, f, nil)

	if st := u.Run(context.Background(), "stable"); st != Completed {
		t.Fatalf("status = %v (%s), want Completed", st, u.Snapshot().LastError)
	}
	if f.calls.Load() != 0 || fs.chainCalls.Load() != 0 {
		t.Fatal("pending commit must not transfer anything")
	}
	if got := readFile(t, filepath.Join(h.root, "a.exe")); got != "staged" {
		t.Fatalf("a.exe = %q", got)
	}
}

func TestCommitPendingWithoutServer(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.com.PendingDir(), "lib", "x.dll"), "lib")
	fs := &fakeServer{}
	u := h.updater(t, fs, &countingFetcher{}, nil)

	st, err := u.CommitPending(context.Background())
	if err != nil || st != Completed {
		t.Fatalf("CommitPending = %v, %v", st, err)
	}
	if fs.manifestCalls.Load() != 0 {
		t.Fatal("CommitPending must not contact the server")
	}
	if got := readFile(t, filepath.Join(h.root, "lib", "x.dll")); got != "lib" {
		t.Fatalf("x.dll = %q", got)
	}

	st, err = u.CommitPending(context.Background())
	if err != nil || st != NoUpdate {
		t.Fatalf("second CommitPending = %v, %v", st, err)
	}
}

func TestRunEmergencyFallback(t *testing.T) {
	h := newHarness(t)
	u := h.updater(t, &fakeServer{fallback: true}, &countingFetcher{}, nil)
	if st := u.Run(context.Background(), "stable"); st != EmergencyFallback {
		t.Fatalf("status = %v, want EmergencyFallback", st)
	}
}

func TestRunManifestErrorKeepsServerBody(t *testing.T) {
	h := newHarness(t)
	perr := &manifest.ProtocolError{Body: "<html>maintenance</html>", Err: errors.New("status 503")}
	u := h.updater(t, &fakeServer{err: perr}, &countingFetcher{}, nil)

	if st := u.Run(context.Background(), "stable"); st != Error {
		t.Fatalf("status = %v, want Error", st)
	}
	snap := u.Snapshot()
	if snap.LastErrorDetail != perr.Body {
		t.Fatalf("detail = %q", snap.LastErrorDetail)
	}
	if !errors.Is(u.LastError(), updateerr.ErrProtocol) {
		t.Fatalf("last error = %v", u.LastError())
	}
	if got, _ := u.Health().Get(health.ComponentManifest); got.Status != health.Unhealthy {
		t.Fatalf("manifest health = %v", got.Status)
	}
}

func TestRunTransferFailureRecordsURL(t *testing.T) {
	h := newHarness(t)
	_, srv := newPayloads(map[string][]byte{})
	defer srv.Close()

	missing := srv.URL + "/missing.dll"
	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("missing.dll", "x", missing, 1)}}
	u := h.updater(t, fs, httpFetcher(), nil)

	if st := u.Run(context.Background(), "stable"); st != Error {
		t.Fatalf("status = %v, want Error", st)
	}
	if got := u.Snapshot().LastErrorDetail; got != missing+".zip" {
		t.Fatalf("detail = %q, want %q", got, missing+".zip")
	}
	if _, err := os.Stat(h.com.StagingDir()); !os.IsNotExist(err) {
		t.Fatal("staging should be cleaned after a failed session")
	}
	if _, err := os.Stat(filepath.Join(h.root, "missing.dll")); !os.IsNotExist(err) {
		t.Fatal("nothing should be installed")
	}
}

func TestRunHashMismatchIsError(t *testing.T) {
	h := newHarness(t)
	_, srv := newPayloads(map[string][]byte{"/a.exe.zip": zipped(t, "a.exe", "tampered")})
	defer srv.Close()

	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "genuine", srv.URL+"/a.exe", 1)}}
	u := h.updater(t, fs, httpFetcher(), nil)

	if st := u.Run(context.Background(), "stable"); st != Error {
		t.Fatalf("status = %v, want Error", st)
	}
	if !errors.Is(u.LastError(), updateerr.ErrHashMismatch) {
		t.Fatalf("last error = %v", u.LastError())
	}
}

func TestCheckIgnoredWhileSessionRuns(t *testing.T) {
	h := newHarness(t)
	fs := &fakeServer{block: make(chan struct{}), fallback: true}
	u := h.updater(t, fs, &countingFetcher{}, nil)

	if !u.Check(context.Background(), "stable") {
		t.Fatal("first Check should start a session")
	}
	first := u.Snapshot().SessionID
	if u.Check(context.Background(), "stable") {
		t.Fatal("second Check should be ignored")
	}
	if u.Snapshot().SessionID != first {
		t.Fatal("session replaced")
	}
	close(fs.block)
	u.Wait()

	if u.Snapshot().Status != EmergencyFallback {
		t.Fatalf("status = %v", u.Snapshot().Status)
	}
	if !u.Check(context.Background(), "stable") {
		t.Fatal("Check after a finished session should start a new one")
	}
	u.Wait()
}

func TestAbortEndsSessionAsNoUpdate(t *testing.T) {
	h := newHarness(t)
	fs := &fakeServer{files: []manifest.FileDescriptor{
		descriptor("a.exe", "x", "http://unused/a.exe", 1),
		descriptor("b.dll", "y", "http://unused/b.dll", 1),
	}}
	f := &blockingFetcher{started: make(chan struct{})}
	u := h.updater(t, fs, f, nil)

	u.Check(context.Background(), "stable")
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
	}
	if u.Snapshot().Status != Updating {
		t.Fatalf("status = %v, want Updating", u.Snapshot().Status)
	}
	u.Abort()
	u.Wait()

	if st := u.Snapshot().Status; st != NoUpdate {
		t.Fatalf("status = %v, want NoUpdate", st)
	}
	if _, err := os.Stat(h.com.StagingDir()); !os.IsNotExist(err) {
		t.Fatal("staging should be cleaned after abort")
	}
}

func TestRunAbortedByCallerContext(t *testing.T) {
	h := newHarness(t)
	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "x", "http://unused/a.exe", 1)}}
	f := &blockingFetcher{started: make(chan struct{})}
	u := h.updater(t, fs, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.started
		cancel()
	}()
	if st := u.Run(ctx, "stable"); st != NoUpdate {
		t.Fatalf("status = %v, want NoUpdate", st)
	}
}

func TestDependencyGateStopsBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	fs := &fakeServer{fallback: true}
	dep := RuntimeDependency{Label: "runtime", Path: filepath.Join(h.root, "no-such-runtime")}
	u := h.updater(t, fs, &countingFetcher{}, func(o *Options) {
		o.Dependencies = []Dependency{dep}
	})

	if st := u.Run(context.Background(), "stable"); st != Error {
		t.Fatalf("status = %v, want Error", st)
	}
	if fs.manifestCalls.Load() != 0 {
		t.Fatal("manifest must not be requested while a dependency is missing")
	}
	snap := u.Snapshot()
	if !snap.MissingDependency {
		t.Fatal("snapshot should flag the missing dependency")
	}
	if !strings.Contains(FormatStatus(snap, false), "runtime component") {
		t.Fatalf("status text = %q", FormatStatus(snap, false))
	}
}

func TestCommitFailureNeedsRestart(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.com.PendingDir(), "a.txt"), "new")
	writeFile(t, filepath.Join(h.root, "a.txt", "blocker"), "x")

	u := h.updater(t, &fakeServer{}, &countingFetcher{}, nil)
	st, err := u.CommitPending(context.Background())
	if st != NeedsRestart || !errors.Is(err, updateerr.ErrMoveFailure) {
		t.Fatalf("CommitPending = %v, %v", st, err)
	}
	if !h.com.HasPending() {
		t.Fatal("pending tree should survive a failed commit")
	}
	if got, _ := u.Health().Get(health.ComponentCommit); got.Status != health.Degraded {
		t.Fatalf("commit health = %v", got.Status)
	}
}

// withVerifier swaps in a committer that checks files with v.
func (h *harness) withVerifier(v trust.Verifier) {
	h.com = staging.New(h.root, h.cache, h.store, v, staging.Options{MoveAttempts: 3, MoveBudget: 30 * time.Millisecond})
}

func TestCheckIgnoredWhileCommitPendingRuns(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.withVerifier(trust.Func(func(string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}))
	writeFile(t, filepath.Join(h.com.PendingDir(), "a.exe"), "staged")
	writeFile(t, filepath.Join(h.root, "a.exe"), "old")

	// A session would plan against this manifest, find the pending tree
	// stale and remove it.
	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "other", "http://unused/a.exe", 3)}}
	u := h.updater(t, fs, &countingFetcher{}, nil)

	type result struct {
		st  Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := u.CommitPending(context.Background())
		done <- result{st, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("commit never reached the verifier")
	}

	if u.Check(context.Background(), "stable") {
		t.Fatal("Check started a session while a commit was in progress")
	}
	if _, err := u.CommitPending(context.Background()); err == nil {
		t.Fatal("second CommitPending should be refused")
	}
	if !h.com.HasPending() {
		t.Fatal("pending tree removed during commit")
	}
	close(release)

	r := <-done
	if r.err != nil || r.st != Completed {
		t.Fatalf("CommitPending = %v, %v", r.st, r.err)
	}
	if got := readFile(t, filepath.Join(h.root, "a.exe")); got != "staged" {
		t.Fatalf("a.exe = %q", got)
	}
	if fs.manifestCalls.Load() != 0 {
		t.Fatal("no session should have contacted the server")
	}

	// Once the commit returns, checks run again.
	fs.mu.Lock()
	fs.fallback = true
	fs.mu.Unlock()
	if !u.Check(context.Background(), "stable") {
		t.Fatal("Check should start after the commit finished")
	}
	u.Wait()
}

func TestCommitPendingCancelledIsNoUpdate(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.withVerifier(trust.Func(func(string) error {
		cancel()
		return nil
	}))
	writeFile(t, filepath.Join(h.com.PendingDir(), "a.txt"), "new")
	writeFile(t, filepath.Join(h.root, "a.txt", "blocker"), "x")

	u := h.updater(t, &fakeServer{}, &countingFetcher{}, nil)
	st, err := u.CommitPending(ctx)
	if st != NoUpdate || !errors.Is(err, updateerr.ErrAborted) {
		t.Fatalf("CommitPending = %v, %v", st, err)
	}
	if !h.com.HasPending() {
		t.Fatal("pending tree should survive an aborted commit")
	}
}

func TestResetRemovesBothTrees(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.com.PendingDir(), "a.txt"), "p")
	writeFile(t, filepath.Join(h.com.StagingDir(), "b.txt"), "s")
	u := h.updater(t, &fakeServer{fallback: true}, &countingFetcher{}, nil)
	u.Run(context.Background(), "stable")

	u.Reset()
	if h.com.HasPending() {
		t.Fatal("pending tree should be removed")
	}
	if _, err := os.Stat(h.com.StagingDir()); !os.IsNotExist(err) {
		t.Fatal("staging tree should be removed")
	}
	if snap := u.Snapshot(); snap.Status != Idle || snap.LastError != "" {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}

// gzipBlock compresses data for a BSDIFF40 block.
func gzipBlock(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// replacePatch builds a patch that ignores the base and emits target from
// the extra block.
func replacePatch(t *testing.T, target []byte) []byte {
	t.Helper()
	triple := make([]byte, 24)
	binary.LittleEndian.PutUint64(triple[8:16], uint64(len(target)))
	ctrl := gzipBlock(t, triple)
	diff := gzipBlock(t, nil)
	extra := gzipBlock(t, target)

	var out bytes.Buffer
	out.WriteString(bspatch.Magic)
	for _, n := range []int{len(ctrl), len(diff), len(target)} {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(n))
		out.Write(b)
	}
	out.Write(ctrl)
	out.Write(diff)
	out.Write(extra)
	return out.Bytes()
}

func TestRunAppliesPatchChain(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "version one")

	pl, srv := newPayloads(map[string][]byte{
		"/p/1-2": replacePatch(t, []byte("version two")),
		"/p/2-3": replacePatch(t, []byte("version three")),
	})
	defer srv.Close()

	target := descriptor("a.exe", "version three", srv.URL+"/full/a.exe", 3)
	fs := &fakeServer{
		files: []manifest.FileDescriptor{target},
		chain: []manifest.FileDescriptor{
			{Filename: "a.exe", FileVersion: 1, FileHash: md5hex("version one"), URLPatch: srv.URL + "/p/1-2"},
			{Filename: "a.exe", FileVersion: 2, FileHash: md5hex("version two"), URLPatch: srv.URL + "/p/2-3"},
			target,
		},
	}
	u := h.updater(t, fs, httpFetcher(), func(o *Options) { o.EnablePatching = true })

	if st := u.Run(context.Background(), "stable"); st != Completed {
		t.Fatalf("status = %v (%s), want Completed", st, u.Snapshot().LastError)
	}
	if got := readFile(t, filepath.Join(h.root, "a.exe")); got != "version three" {
		t.Fatalf("a.exe = %q", got)
	}
	if pl.count("/full/a.exe.zip") != 0 {
		t.Fatal("full download should not be used when patching succeeds")
	}
	if pl.count("/p/1-2") != 1 || pl.count("/p/2-3") != 1 {
		t.Fatal("each patch should be downloaded once")
	}
	if snap := u.Snapshot(); snap.Total != 3 {
		t.Fatalf("total = %d, want 3 (file plus two chain members)", snap.Total)
	}
}

func TestRunFallsBackToFullDownloadWhenPatchIsCorrupt(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "version one")

	pl, srv := newPayloads(map[string][]byte{
		"/p/1-2":          []byte("not a patch"),
		"/full/a.exe.zip": zipped(t, "a.exe", "version two"),
	})
	defer srv.Close()

	target := descriptor("a.exe", "version two", srv.URL+"/full/a.exe", 2)
	fs := &fakeServer{
		files: []manifest.FileDescriptor{target},
		chain: []manifest.FileDescriptor{
			{Filename: "a.exe", FileVersion: 1, URLPatch: srv.URL + "/p/1-2"},
			target,
		},
	}
	u := h.updater(t, fs, httpFetcher(), func(o *Options) { o.EnablePatching = true })

	if st := u.Run(context.Background(), "stable"); st != Completed {
		t.Fatalf("status = %v (%s), want Completed", st, u.Snapshot().LastError)
	}
	if got := readFile(t, filepath.Join(h.root, "a.exe")); got != "version two" {
		t.Fatalf("a.exe = %q", got)
	}
	if pl.count("/full/a.exe.zip") != 1 {
		t.Fatal("expected a full download after the patch failed")
	}
}

func TestRunSkipsPatchingWithoutChain(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.root, "a.exe"), "old")
	_, srv := newPayloads(map[string][]byte{"/a.exe.zip": zipped(t, "a.exe", "new")})
	defer srv.Close()

	fs := &fakeServer{files: []manifest.FileDescriptor{descriptor("a.exe", "new", srv.URL+"/a.exe", 2)}}
	u := h.updater(t, fs, httpFetcher(), func(o *Options) { o.EnablePatching = true })

	if st := u.Run(context.Background(), "stable"); st != Completed {
		t.Fatalf("status = %v, want Completed", st)
	}
	if fs.chainCalls.Load() != 1 {
		t.Fatalf("chain requests = %d, want 1", fs.chainCalls.Load())
	}
}

func TestPercentageUsesHighWaterMark(t *testing.T) {
	s := newSession(context.Background(), "id", "stable")
	ts := s.add(
		manifest.FileDescriptor{Filename: "a"},
		manifest.FileDescriptor{Filename: "b"},
		manifest.FileDescriptor{Filename: "c"},
		manifest.FileDescriptor{Filename: "d"},
	)
	if got := s.Percentage(); got != 0 {
		t.Fatalf("initial percentage = %v", got)
	}

	s.setProgress(ts[0], 0.5)
	s.remove(ts[1])
	if got := s.Percentage(); got != 37.5 {
		t.Fatalf("percentage = %v, want 37.5", got)
	}

	s.appendChain([]manifest.FileDescriptor{{Filename: "a"}, {Filename: "a"}})
	if got := s.Percentage(); got != 25 {
		t.Fatalf("percentage after chain = %v, want 25", got)
	}

	s.setProgress(ts[2], 7)
	if snap := s.Snapshot(); snap.Active[1].Progress != 1 {
		t.Fatalf("progress should clamp to 1, got %v", snap.Active[1].Progress)
	}
}

func TestFirstFailurePrefersRealErrors(t *testing.T) {
	s := newSession(context.Background(), "id", "stable")
	ts := s.add(manifest.FileDescriptor{Filename: "a"}, manifest.FileDescriptor{Filename: "b"})
	s.fail(ts[0], fmt.Errorf("%w: cancelled", updateerr.ErrAborted))
	s.fail(ts[1], updateerr.ErrNetwork)

	tr, err := s.firstFailure()
	if tr != ts[1] || !errors.Is(err, updateerr.ErrNetwork) {
		t.Fatalf("firstFailure = %v, %v", tr, err)
	}
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		name     string
		snap     Snapshot
		progress bool
		want     string
	}{
		{"idle", Snapshot{Status: Idle}, false, "Idle"},
		{"checking", Snapshot{Status: Checking}, true, "Checking for updates..."},
		{"no update", Snapshot{Status: NoUpdate}, false, "Up to date"},
		{"restart", Snapshot{Status: NeedsRestart}, false, "Restart required to finish updating"},
		{"updating no active", Snapshot{Status: Updating, Total: 2}, false, "Performing updates..."},
		{
			"all files running",
			Snapshot{Status: Updating, Total: 2, Active: []TransferSnapshot{{Running: true}, {Running: true}}},
			false,
			"Downloading 2 required files",
		},
		{
			"some files done",
			Snapshot{Status: Updating, Total: 4, Percentage: 52.4, Active: []TransferSnapshot{{Running: true}, {Running: true}}},
			true,
			"Downloading 2 of 4 required files (52%)",
		},
		{
			"single patching",
			Snapshot{Status: Updating, Total: 1, Active: []TransferSnapshot{{Filename: "a.exe", Running: true, Patching: true, UsingPatch: true}}},
			false,
			"Patching a.exe",
		},
		{
			"single patch download",
			Snapshot{Status: Updating, Total: 1, Active: []TransferSnapshot{{Filename: "a.exe", Running: true, UsingPatch: true, Size: 10}}},
			false,
			"Downloading a.exe_patch",
		},
		{
			"single full download",
			Snapshot{Status: Updating, Total: 1, Active: []TransferSnapshot{{Filename: "a.exe", Running: true, Size: 2000000}}},
			false,
			"Downloading a.exe (2.0 MB)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatStatus(tt.snap, tt.progress); got != tt.want {
				t.Fatalf("FormatStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	for _, st := range []Status{Idle, Checking, Updating, Completed, NoUpdate, NeedsRestart, Error, EmergencyFallback} {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back Status
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Fatalf("%v round trip = %v, %v", st, back, err)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatal("expected error for unknown status")
	}
}

func TestParseDependency(t *testing.T) {
	if d, ok := ParseDependency("/usr/lib/libfoo.so").(RuntimeDependency); !ok || d.Path == "" {
		t.Fatalf("path entry parsed as %+v", d)
	}
	if d, ok := ParseDependency("dotnet").(RuntimeDependency); !ok || d.Executable != "dotnet" {
		t.Fatalf("executable entry parsed as %+v", d)
	}
	err := RuntimeDependency{Path: filepath.Join(t.TempDir(), "nope")}.Check()
	if !errors.Is(err, updateerr.ErrMissingDependency) {
		t.Fatalf("Check = %v", err)
	}
}
