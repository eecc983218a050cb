package patch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/ledger"
	"github.com/schaermu/patchd/internal/remote"
)

var errUnreachable = errors.New("connection refused")

// fakeRemote serves patch content from memory and counts network calls.
type fakeRemote struct {
	mu          sync.Mutex
	manifest    []string
	manifestErr error
	lists       map[string][]string
	files       map[string]string
	calls       int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		lists: make(map[string][]string),
		files: make(map[string]string),
	}
}

// addPatch registers a version with its files in list order.
func (f *fakeRemote) addPatch(v string, files ...[2]string) {
	f.manifest = append(f.manifest, v)
	var list []string
	for _, file := range files {
		list = append(list, file[0])
		f.files[v+"/"+file[0]] = file[1]
	}
	f.lists[v] = list
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) FetchManifest(context.Context) ([]string, remote.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.manifestErr != nil {
		return nil, remote.Source{}, f.manifestErr
	}
	return f.manifest, remote.Source{Mirror: "fake", Transport: "memory"}, nil
}

func (f *fakeRemote) FetchFileList(_ context.Context, v string) ([]string, remote.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	list, ok := f.lists[v]
	if !ok {
		return nil, remote.Source{}, &remote.StatusError{URL: v + "/file_list.txt", Code: 404}
	}
	return list, remote.Source{Mirror: "fake", Transport: "memory"}, nil
}

func (f *fakeRemote) FetchFile(_ context.Context, v, rel string) ([]byte, remote.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	body, ok := f.files[v+"/"+rel]
	if !ok {
		return nil, remote.Source{}, &remote.StatusError{URL: v + "/" + rel, Code: 404}
	}
	return []byte(body), remote.Source{Mirror: "fake", Transport: "memory"}, nil
}

func (f *fakeRemote) Diagnose(context.Context) ([]remote.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []remote.Probe{{Mirror: "fake", Transport: "memory", Success: f.manifestErr == nil}}, nil
}

// countingInvalidator records invalidation calls.
type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	root   string
	cfg    *config.Config
	store  *ledger.MemoryLedger
	remote *fakeRemote
	cache  *countingInvalidator
	engine *Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }
}

func newTestEnv(t *testing.T, applied ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		root:   root,
		cfg:    config.Default(root),
		store:  ledger.NewMemoryLedger(applied...),
		remote: newFakeRemote(),
		cache:  &countingInvalidator{},
	}
	env.engine = NewEngine(env.cfg, env.store, env.remote, env.cache, testLogger(), WithClock(fixedClock()))
	return env
}

func (env *testEnv) writeTarget(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(env.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) readTarget(t *testing.T, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.root, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func (env *testEnv) applied(t *testing.T) []string {
	t.Helper()
	applied, err := env.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return applied
}
