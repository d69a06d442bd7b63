package core

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/metrics"
)

// SlotGrant is the outcome of a slot request. When Granted is true the
// participant holds the circuit's single active slot until Deadline and
// must build on PreviousHash. Otherwise Position is the participant's
// 1-based place in the waiting queue.
type SlotGrant struct {
	Granted      bool
	Deadline     time.Time
	PreviousHash string
	Position     int
}

// RequestSlot attempts to take the circuit's contribution slot for the
// participant. It never blocks waiting for the slot: the caller either gets
// the slot or a queue position and polls from there. The grant is committed
// with compare-and-swap semantics; when a concurrent request wins the race
// the caller is enqueued instead.
func (p *Process) RequestSlot(ctx context.Context, circuitID, participantID string) (*SlotGrant, error) {
	circuit, err := p.store.Circuit(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	cer, err := p.store.Ceremony(ctx, circuit.CeremonyID)
	if err != nil {
		return nil, err
	}
	cer, err = p.advanceCeremony(ctx, cer)
	if err != nil {
		return nil, err
	}
	switch cer.State {
	case ceremony.Finalized:
		return nil, ceremony.ErrCeremonyFinalized
	case ceremony.Opened:
	default:
		return nil, ceremony.ErrCeremonyNotOpen
	}

	if circuit.Halted {
		return nil, ceremony.ErrCircuitHalted
	}

	now := p.clock.Now()
	if err := p.checkPenalty(ctx, circuitID, participantID, cer.Penalty(), now); err != nil {
		return nil, err
	}
	if err := p.checkNotContributed(ctx, circuitID, participantID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		// re-requesting while holding the slot is a no-op returning
		// the existing grant
		if circuit.Contributor != nil && circuit.Contributor.ParticipantID == participantID {
			previousHash, err := p.chainTail(ctx, circuitID)
			if err != nil {
				return nil, err
			}
			return &SlotGrant{
				Granted:      true,
				Deadline:     circuit.Contributor.Deadline,
				PreviousHash: previousHash,
			}, nil
		}

		if !circuit.Occupied() {
			// read the tail before committing so the grant response is
			// complete even if the store degrades right after the commit
			previousHash, err := p.chainTail(ctx, circuitID)
			if err != nil {
				return nil, err
			}
			now = p.clock.Now()
			deadline := p.deadline(circuit, now)
			if err := circuit.Grant(participantID, now, deadline); err != nil {
				return nil, err
			}

			err = p.store.UpdateCircuit(ctx, circuit)
			if err == nil {
				// the slot is committed at this point; a bookkeeping
				// failure must not report the grant as failed
				if err := p.markContributing(ctx, circuitID, participantID); err != nil {
					p.log.Warnw("could not mark granted participant contributing", "circuit", circuitID, "participant", participantID, "err", err)
				}
				metrics.SlotsGranted.WithLabelValues(circuitID).Inc()
				p.log.Infow("slot granted", "circuit", circuitID, "participant", participantID, "deadline", deadline)
				return &SlotGrant{
					Granted:      true,
					Deadline:     deadline,
					PreviousHash: previousHash,
				}, nil
			}
			if !errors.Is(err, ceremony.ErrVersionConflict) {
				return nil, errors.Wrap(err, "committing slot grant")
			}
			// lost the race, reload and fall through to enqueue
			metrics.SlotConflicts.Inc()
			circuit, err = p.store.Circuit(ctx, circuitID)
			if err != nil {
				return nil, err
			}
			continue
		}

		// the slot is occupied: join the queue (idempotent for a
		// participant already waiting)
		if pos := circuit.QueuePosition(participantID); pos > 0 {
			return &SlotGrant{Position: pos}, nil
		}
		position := circuit.Enqueue(participantID)
		err := p.store.UpdateCircuit(ctx, circuit)
		if err == nil {
			if err := p.markWaiting(ctx, circuitID, participantID); err != nil {
				return nil, err
			}
			metrics.QueueDepth.WithLabelValues(circuitID).Set(float64(len(circuit.WaitingQueue)))
			p.log.Infow("participant enqueued", "circuit", circuitID, "participant", participantID, "position", position)
			return &SlotGrant{Position: position}, nil
		}
		if !errors.Is(err, ceremony.ErrVersionConflict) {
			return nil, errors.Wrap(err, "committing enqueue")
		}
		metrics.SlotConflicts.Inc()
		circuit, err = p.store.Circuit(ctx, circuitID)
		if err != nil {
			return nil, err
		}
	}

	return nil, ceremony.ErrSlotConflict
}

// AbandonSlot is the voluntary counterpart of an eviction: the slot holder
// gives the slot up before the deadline. No penalty entry is recorded and
// the participant may re-request immediately; involuntary eviction by the
// sweep keeps the penalty.
func (p *Process) AbandonSlot(ctx context.Context, circuitID, participantID string) error {
	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		circuit, err := p.store.Circuit(ctx, circuitID)
		if err != nil {
			return err
		}
		if circuit.Contributor == nil || circuit.Contributor.ParticipantID != participantID {
			return ceremony.ErrUnauthorizedSlot
		}

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

		if err := p.markWaiting(ctx, circuitID, participantID); err != nil {
			return err
		}
		p.log.Infow("slot abandoned", "circuit", circuitID, "participant", participantID)

		if promoted {
			if err := p.markContributing(ctx, circuitID, promotedID); err != nil {
				return err
			}
		}
		return nil
	}
	return ceremony.ErrSlotConflict
}

// releaseAndPromote clears the circuit's slot and, when the queue is not
// empty, grants it to the head with a freshly computed deadline. The caller
// commits the mutated circuit.
func (p *Process) releaseAndPromote(circuit *ceremony.Circuit, now time.Time) (bool, string, error) {
	next, promoted := circuit.Release()
	if !promoted {
		return false, "", nil
	}
	if err := circuit.Grant(next, now, p.deadline(circuit, now)); err != nil {
		return false, "", err
	}
	return true, next, nil
}

// checkPenalty fails with PENALTY_ACTIVE while the participant's most
// recent timeout on the circuit is younger than the penalty window.
func (p *Process) checkPenalty(ctx context.Context, circuitID, participantID string, penalty time.Duration, now time.Time) error {
	event, err := p.store.LastTimeoutEvent(ctx, circuitID, participantID)
	if errors.Is(err, ceremony.ErrNoTimeoutEvent) {
		return nil
	}
	if err != nil {
		return err
	}

	expiry := event.Timestamp.Add(penalty)
	if now.Before(expiry) {
		return &ceremony.PenaltyError{Remaining: expiry.Sub(now)}
	}
	return nil
}

// checkNotContributed keeps participants who already have a verified
// contribution on the circuit from re-entering its queue.
func (p *Process) checkNotContributed(ctx context.Context, circuitID, participantID string) error {
	contributions, err := p.store.Contributions(ctx, circuitID)
	if err != nil {
		return err
	}
	for _, c := range contributions {
		if c.ParticipantID == participantID {
			return ceremony.ErrAlreadyContributed
		}
	}
	return nil
}

// chainTail returns the hash the next contribution must build on.
func (p *Process) chainTail(ctx context.Context, circuitID string) (string, error) {
	last, err := p.store.LastContribution(ctx, circuitID)
	if errors.Is(err, ceremony.ErrNoContribution) {
		return ceremony.GenesisHash(), nil
	}
	if err != nil {
		return "", err
	}
	return last.ComputedHash, nil
}

func (p *Process) markContributing(ctx context.Context, circuitID, participantID string) error {
	state, err := p.store.ParticipantState(ctx, circuitID, participantID)
	if err != nil {
		return err
	}
	state.Status = ceremony.Contributing
	return p.store.SaveParticipantState(ctx, state)
}

func (p *Process) markWaiting(ctx context.Context, circuitID, participantID string) error {
	state, err := p.store.ParticipantState(ctx, circuitID, participantID)
	if err != nil {
		return err
	}
	state.Status = ceremony.Waiting
	return p.store.SaveParticipantState(ctx, state)
}
