package core

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/metrics"
)

// deadline computes the eviction deadline of a slot granted at startedAt.
// Fixed circuits get a constant window. Dynamic circuits get the running
// average of verified contribution durations (the configured baseline when
// none exists yet) stretched by the circuit's threshold percentage; the
// result is rounded up to a whole minute so deadlines stay coarse enough to
// communicate to participants.
func (p *Process) deadline(circuit *ceremony.Circuit, startedAt time.Time) time.Time {
	if circuit.FixedTimeWindow > 0 {
		return startedAt.Add(circuit.FixedTimeWindow)
	}

	avgMs := circuit.AverageContributionTimeMs
	if avgMs == 0 {
		avgMs = p.opts.baselineAverage.Milliseconds()
	}
	allowedMs := avgMs * int64(100+circuit.DynamicThreshold) / 100
	allowed := time.Duration(allowedMs) * time.Millisecond

	if rem := allowed % time.Minute; rem != 0 {
		allowed += time.Minute - rem
	}
	return startedAt.Add(allowed)
}

// refreshAverage folds a newly verified contribution duration into the
// circuit's running average. The baseline counts as the first sample, so
// for previouslyVerified verified contributions the average holds
// previouslyVerified+1 samples.
func (p *Process) refreshAverage(circuit *ceremony.Circuit, previouslyVerified int, durationMs int64) {
	if circuit.FixedTimeWindow > 0 {
		return
	}

	avg := circuit.AverageContributionTimeMs
	if avg == 0 {
		avg = p.opts.baselineAverage.Milliseconds()
	}
	n := int64(previouslyVerified) + 1
	circuit.AverageContributionTimeMs = (avg*n + durationMs) / (n + 1)
}

// CheckTimeouts sweeps all open ceremonies' circuits and evicts every
// contributor whose deadline has passed: the participant is marked
// TimedOut, a penalty entry is recorded, and the slot is released so the
// queue head is promoted within the same sweep. This is the only path that
// evicts without an explicit client action. The sweep keeps going on
// per-circuit failures and reports them aggregated.
func (p *Process) CheckTimeouts(ctx context.Context) error {
	ceremonies, err := p.store.Ceremonies(ctx)
	if err != nil {
		return errors.Wrap(err, "listing ceremonies")
	}

	var result *multierror.Error
	for _, c := range ceremonies {
		c, err := p.advanceCeremony(ctx, c)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "advancing ceremony %s", c.ID))
			continue
		}
		if c.State != ceremony.Opened {
			continue
		}

		circuits, err := p.store.CircuitsByCeremony(ctx, c.ID)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "listing circuits of %s", c.ID))
			continue
		}
		for _, circuit := range circuits {
			if err := p.evictIfOverdue(ctx, circuit.ID); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "sweeping circuit %s", circuit.ID))
			}
		}
	}
	return result.ErrorOrNil()
}

// evictIfOverdue reloads the circuit and, when its contributor is past the
// deadline, commits the eviction. The reload-and-recheck inside the retry
// loop keeps the sweep from evicting a contributor who submitted between
// the sweep's read and its commit.
func (p *Process) evictIfOverdue(ctx context.Context, circuitID string) error {
	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		circuit, err := p.store.Circuit(ctx, circuitID)
		if err != nil {
			return err
		}
		if circuit.Contributor == nil {
			return nil
		}

		now := p.clock.Now()
		if !now.After(circuit.Contributor.Deadline) {
			return nil
		}
		evicted := circuit.Contributor.ParticipantID
		missedDeadline := circuit.Contributor.Deadline

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

		if err := p.recordTimeout(ctx, circuit.ID, evicted, now, ceremony.TimeoutExpiry); err != nil {
			return err
		}
		metrics.Timeouts.WithLabelValues(circuit.ID).Inc()
		metrics.QueueDepth.WithLabelValues(circuit.ID).Set(float64(len(circuit.WaitingQueue)))
		p.log.Infow("contributor evicted", "circuit", circuit.ID, "participant", evicted, "deadline", missedDeadline)

		if promoted {
			if err := p.markContributing(ctx, circuit.ID, promotedID); err != nil {
				return err
			}
			p.log.Infow("queue head promoted", "circuit", circuit.ID, "participant", promotedID)
		}
		return nil
	}
	return ceremony.ErrSlotConflict
}

// recordTimeout stores the penalty entry and flips the participant to
// TimedOut with an incremented timeout count.
func (p *Process) recordTimeout(ctx context.Context, circuitID, participantID string, now time.Time, kind ceremony.TimeoutKind) error {
	event := &ceremony.TimeoutEvent{
		ParticipantID: participantID,
		CircuitID:     circuitID,
		Timestamp:     now,
		Kind:          kind,
	}
	if err := p.store.SaveTimeoutEvent(ctx, event); err != nil {
		return errors.Wrap(err, "saving timeout event")
	}

	state, err := p.store.ParticipantState(ctx, circuitID, participantID)
	if err != nil {
		return err
	}
	state.Status = ceremony.TimedOut
	state.TimeoutCount++
	ts := now
	state.LastTimeoutAt = &ts
	return p.store.SaveParticipantState(ctx, state)
}
