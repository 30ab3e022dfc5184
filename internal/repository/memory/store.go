// Package memory provides an in-process implementation of the repository
// used by tests and by `flowspec serve --memory`. Transactions operate on a
// private copy of the state that replaces the shared state on commit.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"
)

type bufferKey struct {
	companyID  string
	workflowID string
}

type state struct {
	companies   []models.Company
	workflows   []models.Workflow
	nodes       []models.Node
	gates       []models.Gate
	rules       []models.FanOutRule
	versions    []models.WorkflowVersion
	buffers     map[bufferKey]models.DraftBuffer
	events      []models.DraftEvent
	groups      []models.FlowGroup
	flows       []models.Flow
	activations []models.NodeActivation
	executions  []models.TaskExecution
	evidence    []models.EvidenceAttachment
	detours     []models.DetourRecord
	failures    []models.FanOutFailure
}

func newState() *state {
	return &state{buffers: make(map[bufferKey]models.DraftBuffer)}
}

// clone copies every table. Elements are replaced wholesale on write, so a
// shallow copy of each slice isolates the transaction.
func (s *state) clone() *state {
	c := &state{
		companies:   append([]models.Company(nil), s.companies...),
		workflows:   append([]models.Workflow(nil), s.workflows...),
		nodes:       append([]models.Node(nil), s.nodes...),
		gates:       append([]models.Gate(nil), s.gates...),
		rules:       append([]models.FanOutRule(nil), s.rules...),
		versions:    append([]models.WorkflowVersion(nil), s.versions...),
		buffers:     make(map[bufferKey]models.DraftBuffer, len(s.buffers)),
		events:      append([]models.DraftEvent(nil), s.events...),
		groups:      append([]models.FlowGroup(nil), s.groups...),
		flows:       append([]models.Flow(nil), s.flows...),
		activations: append([]models.NodeActivation(nil), s.activations...),
		executions:  append([]models.TaskExecution(nil), s.executions...),
		evidence:    append([]models.EvidenceAttachment(nil), s.evidence...),
		detours:     append([]models.DetourRecord(nil), s.detours...),
		failures:    append([]models.FanOutFailure(nil), s.failures...),
	}
	for k, v := range s.buffers {
		c.buffers[k] = v
	}
	return c
}

// Store is a repository.Repository held in memory.
type Store struct {
	*queries

	txMu  sync.Mutex
	mu    sync.RWMutex
	state *state
}

var _ repository.Repository = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{state: newState()}
	s.queries = &queries{store: s}
	return s
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds. Transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.atomic(func(st *state) error {
		return fn(&queries{store: s, tx: st})
	})
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) atomic(fn func(st *state) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	if err := fn(working); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

type queries struct {
	store *Store
	tx    *state
}

func (q *queries) view(fn func(st *state) error) error {
	if q.tx != nil {
		return fn(q.tx)
	}
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return fn(q.store.state)
}

func (q *queries) update(fn func(st *state) error) error {
	if q.tx != nil {
		return fn(q.tx)
	}
	return q.store.atomic(fn)
}

// deepCopy detaches a value from the stored copy so callers can never
// mutate state in place.
func deepCopy[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
