package core

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/metrics"
)

// SubmitContribution validates and commits the slot holder's contribution.
// The payload is handed to the external verifier together with the chain
// tail the contribution must build on. A verified contribution is appended
// to the circuit's hash chain, the running average is refreshed, and the
// slot is released. A rejected contribution is discarded, costs the
// participant the same penalty as a timeout, and releases the slot.
func (p *Process) SubmitContribution(ctx context.Context, circuitID, participantID string, payload []byte) (*ceremony.Contribution, error) {
	circuit, err := p.store.Circuit(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if circuit.Halted {
		return nil, ceremony.ErrCircuitHalted
	}

	cer, err := p.store.Ceremony(ctx, circuit.CeremonyID)
	if err != nil {
		return nil, err
	}
	// a slot holder may finish a contribution that straddles the
	// ceremony's end time, but nothing gets in after finalization
	switch cer.State {
	case ceremony.Finalized:
		return nil, ceremony.ErrCeremonyFinalized
	case ceremony.Scheduled:
		return nil, ceremony.ErrCeremonyNotOpen
	}

	if circuit.Contributor == nil || circuit.Contributor.ParticipantID != participantID {
		return nil, ceremony.ErrUnauthorizedSlot
	}
	startedAt := circuit.Contributor.StartedAt

	contributions, err := p.store.Contributions(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	sequenceNumber := len(contributions) + 1
	previousHash := ceremony.GenesisHash()
	if len(contributions) > 0 {
		tail := contributions[len(contributions)-1]
		if tail.SequenceNumber != sequenceNumber-1 {
			return nil, p.haltCircuit(ctx, circuit, "stored tail sequence does not precede the next sequence number")
		}
		previousHash = tail.ComputedHash
	}

	if err := p.markVerifying(ctx, circuitID, participantID); err != nil {
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, p.opts.verifyTimeout)
	result, err := p.verifier.Verify(verifyCtx, circuitID, previousHash, payload)
	cancel()
	if err != nil || !result.Valid {
		// a verifier fault or timeout counts as a verification
		// failure, not a coordinator fault
		if err != nil {
			p.log.Warnw("verifier error treated as rejection", "circuit", circuitID, "participant", participantID, "err", err)
		}
		if rejErr := p.rejectContribution(ctx, circuitID, participantID); rejErr != nil {
			return nil, rejErr
		}
		metrics.VerificationFailures.WithLabelValues(circuitID).Inc()
		return nil, ceremony.ErrVerificationFailed
	}

	// the timeout sweep may have evicted the submitter while the verifier
	// ran; re-check holdership before committing so an evicted participant
	// is not both penalized and recorded
	current, err := p.store.Circuit(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if current.Halted {
		return nil, ceremony.ErrCircuitHalted
	}
	if current.Contributor == nil || current.Contributor.ParticipantID != participantID {
		p.log.Warnw("slot lost during verification, discarding contribution", "circuit", circuitID, "participant", participantID)
		return nil, ceremony.ErrUnauthorizedSlot
	}

	now := p.clock.Now()
	contribution := &ceremony.Contribution{
		CircuitID:      circuitID,
		ParticipantID:  participantID,
		SequenceNumber: sequenceNumber,
		PreviousHash:   previousHash,
		ComputedHash:   result.Hash,
		Verified:       true,
		DurationMs:     now.Sub(startedAt).Milliseconds(),
		CreatedAt:      now,
	}
	if err := p.store.AppendContribution(ctx, contribution); err != nil {
		if errors.Is(err, ceremony.ErrSequenceConflict) {
			// the chain grew underneath a granted slot: a store
			// inconsistency or a replay, never auto-corrected
			return nil, p.haltCircuit(ctx, circuit, "conditional append detected a sequence conflict")
		}
		return nil, errors.Wrap(err, "appending contribution")
	}

	if err := p.finishContribution(ctx, circuitID, len(contributions), contribution.DurationMs); err != nil {
		return nil, err
	}
	if err := p.markDone(ctx, circuitID, participantID); err != nil {
		return nil, err
	}

	metrics.ContributionsVerified.WithLabelValues(circuitID).Inc()
	p.log.Infow("contribution verified",
		"circuit", circuitID,
		"participant", participantID,
		"sequence", sequenceNumber,
		"duration_ms", contribution.DurationMs)
	return contribution, nil
}

// finishContribution refreshes the circuit's running average and releases
// the slot in a single conditional commit, promoting the queue head if any.
func (p *Process) finishContribution(ctx context.Context, circuitID string, previouslyVerified int, durationMs int64) error {
	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		circuit, err := p.store.Circuit(ctx, circuitID)
		if err != nil {
			return err
		}
		p.refreshAverage(circuit, previouslyVerified, durationMs)

		now := p.clock.Now()
		promoted, promotedID, err := p.releaseAndPromote(circuit, now)
		if err != nil {
			return err
		}

		err = p.store.UpdateCircuit(ctx, circuit)
		if errors.Is(err, ceremony.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		metrics.QueueDepth.WithLabelValues(circuitID).Set(float64(len(circuit.WaitingQueue)))
		if promoted {
			if err := p.markContributing(ctx, circuitID, promotedID); err != nil {
				return err
			}
			p.log.Infow("queue head promoted", "circuit", circuitID, "participant", promotedID)
		}
		return nil
	}
	return ceremony.ErrSlotConflict
}

// rejectContribution applies the verification-failure policy: the attempt
// is discarded, the participant is timed out with a penalty entry, and the
// slot is released.
func (p *Process) rejectContribution(ctx context.Context, circuitID, participantID string) error {
	// a contributor evicted while verification ran already carries the
	// sweep's penalty entry; a second one would restart the window
	current, err := p.store.Circuit(ctx, circuitID)
	if err != nil {
		return err
	}
	if current.Contributor == nil || current.Contributor.ParticipantID != participantID {
		return nil
	}

	now := p.clock.Now()
	if err := p.recordTimeout(ctx, circuitID, participantID, now, ceremony.TimeoutRejection); err != nil {
		return err
	}

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		circuit, err := p.store.Circuit(ctx, circuitID)
		if err != nil {
			return err
		}
		if circuit.Contributor == nil || circuit.Contributor.ParticipantID != participantID {
			return nil
		}

		promoted, promotedID, err := p.releaseAndPromote(circuit, p.clock.Now())
		if err != nil {
			return err
		}
		err = p.store.UpdateCircuit(ctx, circuit)
		if errors.Is(err, ceremony.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		if promoted {
			if err := p.markContributing(ctx, circuitID, promotedID); err != nil {
				return err
			}
		}
		return nil
	}
	return ceremony.ErrSlotConflict
}

// haltCircuit freezes a circuit after a chain integrity violation. Requires
// operator intervention to resume; the coordinator never auto-heals a
// broken chain.
func (p *Process) haltCircuit(ctx context.Context, circuit *ceremony.Circuit, reason string) error {
	circuitID := circuit.ID
	p.log.Errorw("chain integrity violation, halting circuit", "circuit", circuitID, "reason", reason)

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		circuit.Halted = true
		err := p.store.UpdateCircuit(ctx, circuit)
		if err == nil {
			break
		}
		if !errors.Is(err, ceremony.ErrVersionConflict) {
			p.log.Errorw("could not persist circuit halt", "circuit", circuitID, "err", err)
			break
		}
		circuit, err = p.store.Circuit(ctx, circuitID)
		if err != nil {
			p.log.Errorw("could not reload circuit for halt", "circuit", circuitID, "err", err)
			break
		}
	}
	return ceremony.ErrChainIntegrity
}

func (p *Process) markVerifying(ctx context.Context, circuitID, participantID string) error {
	state, err := p.store.ParticipantState(ctx, circuitID, participantID)
	if err != nil {
		return err
	}
	state.Status = ceremony.Verifying
	return p.store.SaveParticipantState(ctx, state)
}

func (p *Process) markDone(ctx context.Context, circuitID, participantID string) error {
	state, err := p.store.ParticipantState(ctx, circuitID, participantID)
	if err != nil {
		return err
	}
	state.Status = ceremony.Done
	return p.store.SaveParticipantState(ctx, state)
}
