package testutil

import (
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/patchd/internal/fileset"
	"github.com/schaermu/patchd/internal/remote"
	"github.com/schaermu/patchd/internal/version"
)

// Mirror is an in-memory update mirror served over HTTP.
type Mirror struct {
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	versions []string
	failWith int
	hits     map[string]int
	agents   []string
}

// NewMirror starts a mirror that is closed when the test ends.
func NewMirror(t testing.TB) *Mirror {
	t.Helper()
	m := &Mirror{
		files: make(map[string][]byte),
		hits:  make(map[string]int),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.srv.Close)
	return m
}

// URL returns the base URL of the mirror.
func (m *Mirror) URL() string {
	return m.srv.URL
}

// AddPatch publishes a version with the given files and lists it in the
// manifest. The file list follows the sorted file names.
func (m *Mirror) AddPatch(v string, files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := slices.Sorted(maps.Keys(files))
	for _, name := range names {
		m.files[v+"/"+name] = []byte(files[name])
	}
	m.files[v+"/"+fileset.ListFile] = fileset.FormatList(names)

	m.versions = version.SortedUnique(append(m.versions, v))
	m.files[remote.ManifestFile] = fileset.FormatList(m.versions)
}

// SetFile serves content at path, relative to the mirror root.
func (m *Mirror) SetFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = []byte(content)
}

// RemoveFile stops serving path.
func (m *Mirror) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// Fail makes every request answer with code. Zero restores normal serving.
func (m *Mirror) Fail(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = code
}

// Hits returns how many requests were made for path.
func (m *Mirror) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// UserAgents returns the User-Agent header of every request in order.
func (m *Mirror) UserAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.agents)
}

func (m *Mirror) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	m.mu.Lock()
	m.hits[path]++
	m.agents = append(m.agents, r.UserAgent())
	failWith := m.failWith
	body, ok := m.files[path]
	m.mu.Unlock()

	switch {
	case failWith != 0:
		http.Error(w, http.StatusText(failWith), failWith)
	case !ok:
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(body)
	}
}
