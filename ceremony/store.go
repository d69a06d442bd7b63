package ceremony

import (
	"context"
)

// Store is the transactional document store the coordinator keeps all
// ceremony state in. Callers may run on separate processes, so every
// mutation of shared state goes through a conditional update: read the
// record, verify the precondition, write back with the version observed at
// read time. A concurrent writer makes the update fail with
// ErrVersionConflict and the operation re-reads and retries.
//
// Contributions are append-only; the append itself is conditioned on the
// sequence number still following the stored tail (ErrSequenceConflict).
type Store interface {
	// SaveCeremony creates a ceremony. It fails with ErrDuplicateID when
	// the id is taken.
	SaveCeremony(ctx context.Context, c *Ceremony) error
	// Ceremony returns the ceremony or ErrCeremonyNotFound.
	Ceremony(ctx context.Context, id string) (*Ceremony, error)
	// Ceremonies returns all ceremonies.
	Ceremonies(ctx context.Context) ([]*Ceremony, error)
	// UpdateCeremony commits a mutated ceremony conditioned on its
	// Version. On success the stored Version is bumped.
	UpdateCeremony(ctx context.Context, c *Ceremony) error

	// SaveCircuit creates a circuit. It fails with ErrDuplicateID when
	// the id is taken.
	SaveCircuit(ctx context.Context, c *Circuit) error
	// Circuit returns the circuit or ErrCircuitNotFound.
	Circuit(ctx context.Context, id string) (*Circuit, error)
	// CircuitsByCeremony returns the ceremony's circuits ordered by
	// sequence position.
	CircuitsByCeremony(ctx context.Context, ceremonyID string) ([]*Circuit, error)
	// UpdateCircuit commits a mutated circuit conditioned on its Version.
	UpdateCircuit(ctx context.Context, c *Circuit) error

	// AppendContribution appends to the circuit's chain, conditioned on
	// SequenceNumber == stored length + 1.
	AppendContribution(ctx context.Context, contribution *Contribution) error
	// Contributions returns the circuit's chain in sequence order.
	Contributions(ctx context.Context, circuitID string) ([]*Contribution, error)
	// LastContribution returns the chain tail or ErrNoContribution.
	LastContribution(ctx context.Context, circuitID string) (*Contribution, error)

	// SaveTimeoutEvent records a penalty entry.
	SaveTimeoutEvent(ctx context.Context, event *TimeoutEvent) error
	// LastTimeoutEvent returns the most recent penalty entry for the
	// participant on the circuit, or ErrNoTimeoutEvent.
	LastTimeoutEvent(ctx context.Context, circuitID, participantID string) (*TimeoutEvent, error)

	// ParticipantState returns the circuit-scoped state, or a fresh
	// Waiting state when the participant has never touched the circuit.
	ParticipantState(ctx context.Context, circuitID, participantID string) (*ParticipantState, error)
	// SaveParticipantState upserts the circuit-scoped state.
	SaveParticipantState(ctx context.Context, state *ParticipantState) error

	Close() error
}
