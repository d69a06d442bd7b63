// Package memdb provides an in-memory ceremony.Store. It is used by tests
// and single-node development setups; production deployments use the bbolt
// store.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/zkceremony/coordinator/ceremony"
)

// Store keeps all records in process memory. Conditional-update semantics
// are identical to the durable store: every update is checked against the
// version observed at read time.
type Store struct {
	mtx sync.RWMutex

	ceremonies    map[string]*ceremony.Ceremony
	circuits      map[string]*ceremony.Circuit
	contributions map[string][]*ceremony.Contribution
	timeouts      map[string][]*ceremony.TimeoutEvent
	participants  map[string]*ceremony.ParticipantState
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		ceremonies:    make(map[string]*ceremony.Ceremony),
		circuits:      make(map[string]*ceremony.Circuit),
		contributions: make(map[string][]*ceremony.Contribution),
		timeouts:      make(map[string][]*ceremony.TimeoutEvent),
		participants:  make(map[string]*ceremony.ParticipantState),
	}
}

var _ ceremony.Store = (*Store)(nil)

func participantKey(circuitID, participantID string) string {
	return circuitID + "/" + participantID
}

func copyCeremony(c *ceremony.Ceremony) *ceremony.Ceremony {
	cp := *c
	return &cp
}

func copyCircuit(c *ceremony.Circuit) *ceremony.Circuit {
	cp := *c
	if c.Contributor != nil {
		contributor := *c.Contributor
		cp.Contributor = &contributor
	}
	cp.WaitingQueue = append([]string(nil), c.WaitingQueue...)
	return &cp
}

func copyParticipant(p *ceremony.ParticipantState) *ceremony.ParticipantState {
	cp := *p
	if p.LastTimeoutAt != nil {
		ts := *p.LastTimeoutAt
		cp.LastTimeoutAt = &ts
	}
	return &cp
}

func (s *Store) SaveCeremony(_ context.Context, c *ceremony.Ceremony) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.ceremonies[c.ID]; ok {
		return ceremony.ErrDuplicateID
	}
	s.ceremonies[c.ID] = copyCeremony(c)
	return nil
}

func (s *Store) Ceremony(_ context.Context, id string) (*ceremony.Ceremony, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	c, ok := s.ceremonies[id]
	if !ok {
		return nil, ceremony.ErrCeremonyNotFound
	}
	return copyCeremony(c), nil
}

func (s *Store) Ceremonies(_ context.Context) ([]*ceremony.Ceremony, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]*ceremony.Ceremony, 0, len(s.ceremonies))
	for _, c := range s.ceremonies {
		out = append(out, copyCeremony(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateCeremony(_ context.Context, c *ceremony.Ceremony) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	stored, ok := s.ceremonies[c.ID]
	if !ok {
		return ceremony.ErrCeremonyNotFound
	}
	if stored.Version != c.Version {
		return ceremony.ErrVersionConflict
	}

	next := copyCeremony(c)
	next.Version++
	s.ceremonies[c.ID] = next
	return nil
}

func (s *Store) SaveCircuit(_ context.Context, c *ceremony.Circuit) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.circuits[c.ID]; ok {
		return ceremony.ErrDuplicateID
	}
	s.circuits[c.ID] = copyCircuit(c)
	return nil
}

func (s *Store) Circuit(_ context.Context, id string) (*ceremony.Circuit, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	c, ok := s.circuits[id]
	if !ok {
		return nil, ceremony.ErrCircuitNotFound
	}
	return copyCircuit(c), nil
}

func (s *Store) CircuitsByCeremony(_ context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*ceremony.Circuit
	for _, c := range s.circuits {
		if c.CeremonyID == ceremonyID {
			out = append(out, copyCircuit(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequencePosition < out[j].SequencePosition
	})
	return out, nil
}

func (s *Store) UpdateCircuit(_ context.Context, c *ceremony.Circuit) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	stored, ok := s.circuits[c.ID]
	if !ok {
		return ceremony.ErrCircuitNotFound
	}
	if stored.Version != c.Version {
		return ceremony.ErrVersionConflict
	}

	next := copyCircuit(c)
	next.Version++
	s.circuits[c.ID] = next
	return nil
}

func (s *Store) AppendContribution(_ context.Context, contribution *ceremony.Contribution) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	chain := s.contributions[contribution.CircuitID]
	if contribution.SequenceNumber != len(chain)+1 {
		return ceremony.ErrSequenceConflict
	}

	cp := *contribution
	s.contributions[contribution.CircuitID] = append(chain, &cp)
	return nil
}

func (s *Store) Contributions(_ context.Context, circuitID string) ([]*ceremony.Contribution, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	chain := s.contributions[circuitID]
	out := make([]*ceremony.Contribution, 0, len(chain))
	for _, c := range chain {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) LastContribution(_ context.Context, circuitID string) (*ceremony.Contribution, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	chain := s.contributions[circuitID]
	if len(chain) == 0 {
		return nil, ceremony.ErrNoContribution
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *Store) SaveTimeoutEvent(_ context.Context, event *ceremony.TimeoutEvent) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := participantKey(event.CircuitID, event.ParticipantID)
	cp := *event
	s.timeouts[key] = append(s.timeouts[key], &cp)
	return nil
}

func (s *Store) LastTimeoutEvent(_ context.Context, circuitID, participantID string) (*ceremony.TimeoutEvent, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	events := s.timeouts[participantKey(circuitID, participantID)]
	if len(events) == 0 {
		return nil, ceremony.ErrNoTimeoutEvent
	}
	cp := *events[len(events)-1]
	return &cp, nil
}

func (s *Store) ParticipantState(_ context.Context, circuitID, participantID string) (*ceremony.ParticipantState, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	p, ok := s.participants[participantKey(circuitID, participantID)]
	if !ok {
		return &ceremony.ParticipantState{
			ParticipantID: participantID,
			CircuitID:     circuitID,
			Status:        ceremony.Waiting,
		}, nil
	}
	return copyParticipant(p), nil
}

func (s *Store) SaveParticipantState(_ context.Context, state *ceremony.ParticipantState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.participants[participantKey(state.CircuitID, state.ParticipantID)] = copyParticipant(state)
	return nil
}

// Close is a noop
func (s *Store) Close() error {
	return nil
}
