// Package registry tracks agent liveness: last-seen heartbeats and the
// current session/command an agent reports, so a worker's crash is visible
// to admin tooling well before its processing-lock TTL or stale-claim
// threshold would otherwise surface it. Agents heartbeat in, and callers can
// list who's live versus stale against a configurable timeout.
package registry

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/events"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// DefaultHeartbeatTimeout is how long an agent can go without a heartbeat
// before it's considered down.
const DefaultHeartbeatTimeout = 30 * time.Second

// Agent is one row in the registry.
type Agent struct {
	AgentID        string    `json:"agent_id"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeen       time.Time `json:"last_seen"`
	CurrentSession string    `json:"current_session,omitempty"`
	CurrentCommand string    `json:"current_command,omitempty"`
	ActionsCount   int       `json:"actions_count"`
}

// Registry manages the Agent rows.
type Registry struct {
	store  *storage.Store
	clock  clock.Clock
	events *events.Broker
}

// SetEventBroker attaches b so a first-time Heartbeat publishes
// EventAgentRegistered. A Registry with no broker attached publishes
// nothing.
func (r *Registry) SetEventBroker(b *events.Broker) {
	r.events = b
}

// New wraps store in a Registry using the system clock.
func New(store *storage.Store) *Registry {
	return &Registry{store: store, clock: clock.SystemClock{}}
}

// NewWithClock is New with an injected clock, for deterministic
// heartbeat-timeout tests.
func NewWithClock(store *storage.Store, c clock.Clock) *Registry {
	return &Registry{store: store, clock: c}
}

// Heartbeat upserts agentID's last_seen to now, registering it if this is
// its first heartbeat, and records the optional session/command context.
func (r *Registry) Heartbeat(agentID, session, command string) (*Agent, error) {
	var result *Agent
	var firstSeen bool
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		now := r.clock.Now().UTC()
		agent, err := getAgent(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			agent = &Agent{AgentID: agentID, RegisteredAt: now}
			firstSeen = true
		}
		agent.LastSeen = now
		if session != "" {
			agent.CurrentSession = session
		}
		if command != "" {
			agent.CurrentCommand = command
		}
		agent.ActionsCount++
		if err := putAgent(tx, agent); err != nil {
			return err
		}
		result = agent
		return nil
	})
	if err == nil {
		r.refreshLiveGauge()
		if firstSeen && r.events != nil {
			r.events.Publish(&events.Event{Type: events.EventAgentRegistered, Metadata: map[string]string{"agent_id": agentID}})
		}
	}
	return result, err
}

// refreshLiveGauge recomputes mergequeue_agents_live_total against
// DefaultHeartbeatTimeout. Best-effort: a failure to list is not surfaced,
// since the gauge is informational and Heartbeat must not fail because of it.
func (r *Registry) refreshLiveGauge() {
	stale, err := r.ListStale(DefaultHeartbeatTimeout)
	if err != nil {
		return
	}
	all, err := r.List()
	if err != nil {
		return
	}
	metrics.AgentsLiveTotal.Set(float64(len(all) - len(stale)))
}

// Get returns the registered agent, or a NotFound error.
func (r *Registry) Get(agentID string) (*Agent, error) {
	var result *Agent
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		agent, err := getAgent(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return mqerr.NotFoundf("no registered agent: %s", agentID)
		}
		result = agent
		return nil
	})
	return result, err
}

// List returns every registered agent.
func (r *Registry) List() ([]*Agent, error) {
	var agents []*Agent
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, &a)
			return nil
		})
	})
	return agents, err
}

// IsLive reports whether agentID's most recent heartbeat is within timeout.
// An unregistered agent is reported not-live with no error.
func (r *Registry) IsLive(agentID string, timeout time.Duration) (bool, error) {
	var live bool
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		agent, err := getAgent(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return nil
		}
		live = r.clock.Now().Sub(agent.LastSeen) <= timeout
		return nil
	})
	return live, err
}

// ListStale returns every agent whose last_seen exceeds timeout.
func (r *Registry) ListStale(timeout time.Duration) ([]*Agent, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var stale []*Agent
	for _, a := range all {
		if now.Sub(a.LastSeen) > timeout {
			stale = append(stale, a)
		}
	}
	return stale, nil
}

func getAgent(tx *bolt.Tx, agentID string) (*Agent, error) {
	data := tx.Bucket(storage.BucketAgents).Get([]byte(agentID))
	if data == nil {
		return nil, nil
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func putAgent(tx *bolt.Tx, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return tx.Bucket(storage.BucketAgents).Put([]byte(a.AgentID), data)
}
