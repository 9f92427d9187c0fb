package workflow

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avlonitis/ergon/internal/bus"
	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/store"
)

// Agent health derived from status updates.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// AgentInfo is one row of the capability table.
type AgentInfo struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Load          int       `json:"load"`
	MaxLoad       int       `json:"max_load"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	Health        string    `json:"health"`
	UpdatedAt     time.Time `json:"updated_at"`

	seq int // registration order, first tie-breaker of last resort
}

// CapabilityTable tracks which agents exist, what they can do and how loaded
// they are, fed by agent.status.update broadcasts and registration messages.
type CapabilityTable struct {
	mu      sync.Mutex
	agents  map[string]*AgentInfo
	nextSeq int
}

func NewCapabilityTable() *CapabilityTable {
	return &CapabilityTable{agents: make(map[string]*AgentInfo)}
}

// Watch subscribes the table to status broadcasts on the bus.
func (t *CapabilityTable) Watch(b *bus.Bus) {
	b.Subscribe(bus.TopicStatusUpdate, func(msg *store.Message) error {
		var upd struct {
			AgentID       string   `json:"agent_id"`
			AgentType     string   `json:"agent_type"`
			Status        string   `json:"status"`
			Load          int      `json:"load"`
			MaxLoad       int      `json:"max_load"`
			Capabilities  []string `json:"capabilities"`
			AvgResponseMs float64  `json:"avg_response_ms"`
		}
		if err := json.Unmarshal(msg.Payload, &upd); err != nil || upd.AgentID == "" {
			return nil
		}
		t.Update(upd.AgentID, upd.AgentType, upd.Status, upd.Load, upd.MaxLoad,
			upd.Capabilities, upd.AvgResponseMs)
		return nil
	}, bus.SubscribeOptions{})
}

func (t *CapabilityTable) Update(id, agentType, status string, load, maxLoad int, capabilities []string, avgResponseMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.agents[id]
	if !ok {
		info = &AgentInfo{ID: id, seq: t.nextSeq}
		t.nextSeq++
		t.agents[id] = info
	}
	if agentType != "" {
		info.Type = agentType
	}
	if capabilities != nil {
		info.Capabilities = capabilities
	}
	if maxLoad > 0 {
		info.MaxLoad = maxLoad
	}
	info.Load = load
	info.AvgResponseMs = avgResponseMs
	info.Health = healthFromStatus(status)
	info.UpdatedAt = time.Now()
}

func (t *CapabilityTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, id)
}

func (t *CapabilityTable) Snapshot() []AgentInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := make([]AgentInfo, 0, len(t.agents))
	for _, info := range t.agents {
		agents = append(agents, *info)
	}
	return agents
}

// SelectBest picks an agent of the given type: healthy, not load-saturated,
// least loaded. Ties go to the lower average response time, then to the agent
// registered first. Returns nil when no candidate qualifies.
func (t *CapabilityTable) SelectBest(agentType string) *AgentInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *AgentInfo
	for _, info := range t.agents {
		if info.Type != agentType || info.Health == HealthUnhealthy {
			continue
		}
		if info.MaxLoad > 0 && info.Load >= info.MaxLoad {
			continue
		}
		if best == nil || better(info, best) {
			best = info
		}
	}
	if best == nil {
		return nil
	}
	selected := *best
	return &selected
}

func better(a, b *AgentInfo) bool {
	if a.Load != b.Load {
		return a.Load < b.Load
	}
	if a.AvgResponseMs != b.AvgResponseMs {
		return a.AvgResponseMs < b.AvgResponseMs
	}
	return a.seq < b.seq
}

func healthFromStatus(status string) string {
	switch status {
	case runtime.StatusIdle, runtime.StatusBusy:
		return HealthHealthy
	case runtime.StatusError:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}
