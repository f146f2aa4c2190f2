// ABOUTME: Per-path binding table resolved at request time by the mounted wildcard route
// ABOUTME: Re-declaring a path swaps its binding without touching the router

package dispatch

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/2389/aipim-gateway/internal/store"
)

// Binding pairs a declared endpoint with its full handler chain. Bindings are
// never mutated after Bind; a new declaration installs a new value.
type Binding struct {
	Verb     Verb
	Endpoint store.Endpoint
	Handler  http.Handler
}

// Table maps endpoint paths to their current binding.
type Table struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{bindings: make(map[string]*Binding)}
}

// Bind installs b for path, replacing any previous binding.
func (t *Table) Bind(path string, b *Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[NormalizePath(path)] = b
}

// Lookup returns the binding for path.
func (t *Table) Lookup(path string) (*Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[NormalizePath(path)]
	return b, ok
}

// Paths returns the bound paths in sorted order.
func (t *Table) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.bindings))
	for p := range t.bindings {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Handler resolves each request through the table. pathOf extracts the endpoint
// path from the request, typically the router's wildcard parameter.
// Unknown paths get 404 and a method other than the declared verb gets 405.
func (t *Table) Handler(pathOf func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := t.Lookup(pathOf(r))
		if !ok {
			WriteError(w, http.StatusNotFound, "unknown endpoint")
			return
		}
		if r.Method != b.Verb.String() {
			w.Header().Set("Allow", b.Verb.String())
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		b.Handler.ServeHTTP(w, r)
	})
}

// NormalizePath strips surrounding slashes and whitespace.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}
