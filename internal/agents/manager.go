package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avlonitis/ergon/internal/bus"
	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/memory"
	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/store"
)

// Manager owns the process's agent runtimes and their caches, and dispatches
// orchestrator jobs to them.
type Manager struct {
	runtimes map[string]*runtime.AgentRuntime
	caches   []*memory.Cache
	order    []string
}

type ManagerOptions struct {
	Agents   []config.AgentConfig
	Registry *Registry
	Bus      *bus.Bus
	Store    *store.Store
	Cache    config.CacheConfig
	Runtime  config.RuntimeConfig
	Logger   *slog.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	m := &Manager{runtimes: make(map[string]*runtime.AgentRuntime)}

	for _, agent := range opts.Agents {
		if agent.ID == "" || agent.Type == "" {
			return nil, fmt.Errorf("agent declaration needs id and type: %+v", agent)
		}
		if _, dup := m.runtimes[agent.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", agent.ID)
		}

		executorName := agent.Executor
		if executorName == "" {
			executorName = agent.Type
		}
		exec, ok := opts.Registry.Get(executorName)
		if !ok {
			return nil, fmt.Errorf("agent %s: unknown executor %q", agent.ID, executorName)
		}

		cache := memory.New(opts.Store, agent.ID, opts.Cache, opts.Logger)
		m.caches = append(m.caches, cache)

		rt := runtime.New(runtime.Options{
			ID:           agent.ID,
			Type:         agent.Type,
			Capabilities: agent.Capabilities,
			MaxLoad:      agent.MaxLoad,
			Executor:     exec,
			Bus:          opts.Bus,
			Store:        opts.Store,
			Memory:       cache,
			Config:       opts.Runtime,
			Logger:       opts.Logger,
		})
		m.runtimes[agent.ID] = rt
		m.order = append(m.order, agent.ID)
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) error {
	for _, cache := range m.caches {
		cache.Start()
	}
	for _, id := range m.order {
		if err := m.runtimes[id].Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) Stop() {
	for _, id := range m.order {
		m.runtimes[id].Stop()
	}
	for _, cache := range m.caches {
		cache.Stop()
	}
}

// Dispatch runs the job on the named agent and blocks through its retry
// cycle. Implements the orchestrator's Dispatcher.
func (m *Manager) Dispatch(ctx context.Context, agentID string, job *store.Job) (*runtime.Result, error) {
	rt, ok := m.runtimes[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return rt.ProcessJob(ctx, job), nil
}

func (m *Manager) Runtime(id string) (*runtime.AgentRuntime, bool) {
	rt, ok := m.runtimes[id]
	return rt, ok
}

func (m *Manager) Runtimes() []*runtime.AgentRuntime {
	out := make([]*runtime.AgentRuntime, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runtimes[id])
	}
	return out
}
