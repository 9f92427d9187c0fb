package agents

import (
	"sync"

	"github.com/avlonitis/ergon/internal/runtime"
)

// Registry maps executor names to implementations. Built-ins cover wiring and
// plain HTTP fetching; embedders register the domain-specific executors
// (scraping heuristics, extraction, analysis) through the same interface.
type Registry struct {
	mu        sync.Mutex
	executors map[string]runtime.Executor
}

func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]runtime.Executor)}
	r.Register("fetch", NewFetch())
	r.Register("noop", Noop{})
	return r
}

func (r *Registry) Register(name string, exec runtime.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
}

func (r *Registry) Get(name string) (runtime.Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executors[name]
	return exec, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}
