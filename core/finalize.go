package core

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/zkceremony/coordinator/ceremony"
)

// Finalize closes the books on a ceremony: it verifies every circuit holds
// at least one verified contribution, appends the terminal contribution
// incorporating the closing beacon to each circuit's chain, and transitions
// the ceremony Closed -> Finalized. Only the ceremony's coordinator may
// call it. The call is idempotent: finalizing a Finalized ceremony returns
// success without side effects.
func (p *Process) Finalize(ctx context.Context, ceremonyID, callerID string, beacon []byte) (*ceremony.Ceremony, error) {
	cer, err := p.store.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	if callerID != cer.CoordinatorID {
		return nil, ceremony.ErrUnauthorized
	}
	if cer.State == ceremony.Finalized {
		return cer, nil
	}
	if cer.State != ceremony.Closed {
		return nil, ceremony.ErrCeremonyNotClosed
	}
	if len(beacon) == 0 {
		return nil, ceremony.Validationf("a closing beacon is required")
	}

	circuits, err := p.store.CircuitsByCeremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}

	// precondition scan first: no terminal contribution is appended
	// unless every circuit is complete
	var incomplete *multierror.Error
	for _, circuit := range circuits {
		done, err := p.hasVerifiedContribution(ctx, circuit.ID)
		if err != nil {
			return nil, err
		}
		if !done {
			incomplete = multierror.Append(incomplete,
				errors.Wrapf(ceremony.ErrIncompleteCircuit, "circuit %s", circuit.ID))
		}
	}
	if err := incomplete.ErrorOrNil(); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	for _, circuit := range circuits {
		if err := p.appendBeaconContribution(ctx, circuit.ID, callerID, beacon, now); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		if _, err := cer.Finalize(); err != nil {
			return nil, err
		}
		err := p.store.UpdateCeremony(ctx, cer)
		if err == nil {
			p.log.Infow("ceremony finalized", "ceremony", ceremonyID, "circuits", len(circuits))
			return cer, nil
		}
		if !errors.Is(err, ceremony.ErrVersionConflict) {
			return nil, err
		}
		cer, err = p.store.Ceremony(ctx, ceremonyID)
		if err != nil {
			return nil, err
		}
		if cer.State == ceremony.Finalized {
			return cer, nil
		}
	}
	return nil, ceremony.ErrSlotConflict
}

// hasVerifiedContribution reports whether the circuit holds at least one
// verified participant contribution.
func (p *Process) hasVerifiedContribution(ctx context.Context, circuitID string) (bool, error) {
	contributions, err := p.store.Contributions(ctx, circuitID)
	if err != nil {
		return false, err
	}
	for _, c := range contributions {
		if c.Verified && !c.Terminal {
			return true, nil
		}
	}
	return false, nil
}

// appendBeaconContribution appends the terminal contribution folding the
// closing beacon into the circuit's chain tail. A circuit whose tail is
// already terminal is skipped, which keeps a re-run after a partial crash
// from double-appending.
func (p *Process) appendBeaconContribution(ctx context.Context, circuitID, coordinatorID string, beacon []byte, now time.Time) error {
	tail, err := p.store.LastContribution(ctx, circuitID)
	if err != nil {
		return err
	}
	if tail.Terminal {
		return nil
	}

	payload := make([]byte, 0, len(tail.ComputedHash)+len(beacon))
	payload = append(payload, tail.ComputedHash...)
	payload = append(payload, beacon...)

	contribution := &ceremony.Contribution{
		CircuitID:      circuitID,
		ParticipantID:  coordinatorID,
		SequenceNumber: tail.SequenceNumber + 1,
		PreviousHash:   tail.ComputedHash,
		ComputedHash:   ceremony.HashPayload(payload),
		Verified:       true,
		Terminal:       true,
		CreatedAt:      now,
	}
	if err := p.store.AppendContribution(ctx, contribution); err != nil {
		return errors.Wrapf(err, "appending beacon contribution to %s", circuitID)
	}
	p.log.Infow("beacon contribution appended", "circuit", circuitID, "sequence", contribution.SequenceNumber)
	return nil
}
