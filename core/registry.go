package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zkceremony/coordinator/ceremony"
)

// CircuitSetup is the validated configuration of one circuit inside a
// ceremony setup. Exactly one of DynamicThreshold/FixedTimeWindowMinutes is
// meaningful, matching the ceremony's timeout mechanism.
type CircuitSetup struct {
	Name                   string
	SequencePosition       int
	DynamicThreshold       uint32
	FixedTimeWindowMinutes uint32
}

// Setup is the validated ceremony configuration handed to CreateCeremony.
// Interactive collection of these values (wizards, web forms) happens
// outside the coordinator.
type Setup struct {
	Title          string
	Description    string
	StartTime      time.Time
	EndTime        time.Time
	Timeout        ceremony.TimeoutMechanism
	PenaltyMinutes uint32
	CoordinatorID  string
	Circuits       []CircuitSetup
}

func (s *Setup) validate() error {
	if s.Title == "" {
		return ceremony.Validationf("title is required")
	}
	if s.CoordinatorID == "" {
		return ceremony.Validationf("coordinator id is required")
	}
	if !s.StartTime.Before(s.EndTime) {
		return ceremony.Validationf("start time %s must precede end time %s", s.StartTime, s.EndTime)
	}
	if s.PenaltyMinutes < 1 {
		return ceremony.Validationf("penalty must be at least one minute")
	}
	if !s.Timeout.Valid() {
		return ceremony.Validationf("unknown timeout mechanism")
	}
	if len(s.Circuits) == 0 {
		return ceremony.Validationf("a ceremony needs at least one circuit")
	}

	positions := make(map[int]bool, len(s.Circuits))
	for _, c := range s.Circuits {
		if positions[c.SequencePosition] {
			return ceremony.Validationf("duplicate circuit sequence position %d", c.SequencePosition)
		}
		positions[c.SequencePosition] = true

		switch s.Timeout {
		case ceremony.Dynamic:
			if c.DynamicThreshold > 100 {
				return ceremony.Validationf("dynamic threshold %d exceeds 100 percent", c.DynamicThreshold)
			}
			if c.FixedTimeWindowMinutes != 0 {
				return ceremony.Validationf("circuit %q sets a fixed window on a dynamic ceremony", c.Name)
			}
		case ceremony.Fixed:
			if c.FixedTimeWindowMinutes < 1 {
				return ceremony.Validationf("circuit %q needs a fixed window of at least one minute", c.Name)
			}
			if c.DynamicThreshold != 0 {
				return ceremony.Validationf("circuit %q sets a dynamic threshold on a fixed ceremony", c.Name)
			}
		}
	}
	return nil
}

// CreateCeremony validates the setup and persists the ceremony with its
// circuits. The ceremony starts out Scheduled; it opens lazily once its
// start time is observed.
func (p *Process) CreateCeremony(ctx context.Context, setup *Setup) (*ceremony.Ceremony, error) {
	if err := setup.validate(); err != nil {
		return nil, err
	}

	c := &ceremony.Ceremony{
		ID:             "ceremony-" + uuid.New().String(),
		Title:          setup.Title,
		Description:    setup.Description,
		State:          ceremony.Scheduled,
		StartTime:      setup.StartTime,
		EndTime:        setup.EndTime,
		Timeout:        setup.Timeout,
		PenaltyMinutes: setup.PenaltyMinutes,
		CoordinatorID:  setup.CoordinatorID,
	}
	if err := p.store.SaveCeremony(ctx, c); err != nil {
		return nil, errors.Wrap(err, "saving ceremony")
	}

	for _, cs := range setup.Circuits {
		circuit := &ceremony.Circuit{
			ID:               "circuit-" + uuid.New().String(),
			CeremonyID:       c.ID,
			SequencePosition: cs.SequencePosition,
			DynamicThreshold: cs.DynamicThreshold,
			FixedTimeWindow:  time.Duration(cs.FixedTimeWindowMinutes) * time.Minute,
		}
		if err := p.store.SaveCircuit(ctx, circuit); err != nil {
			return nil, errors.Wrapf(err, "saving circuit %q", cs.Name)
		}
	}

	p.log.Infow("ceremony created", "ceremony", c.ID, "circuits", len(setup.Circuits), "mechanism", c.Timeout)
	return c, nil
}

// Ceremony is a pure read.
func (p *Process) Ceremony(ctx context.Context, id string) (*ceremony.Ceremony, error) {
	return p.store.Ceremony(ctx, id)
}

// Circuits returns the ceremony's circuits in sequence order.
func (p *Process) Circuits(ctx context.Context, ceremonyID string) ([]*ceremony.Circuit, error) {
	return p.store.CircuitsByCeremony(ctx, ceremonyID)
}

// CloseCeremony closes an open ceremony ahead of its end time. Only the
// ceremony's coordinator may close manually; the time-driven close at the
// end time needs no call.
func (p *Process) CloseCeremony(ctx context.Context, ceremonyID, callerID string) (*ceremony.Ceremony, error) {
	cer, err := p.store.Ceremony(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	if callerID != cer.CoordinatorID {
		return nil, ceremony.ErrUnauthorized
	}

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		if cer.State == ceremony.Closed {
			return cer, nil
		}
		if _, err := cer.Close(); err != nil {
			return nil, err
		}
		err := p.store.UpdateCeremony(ctx, cer)
		if err == nil {
			p.log.Infow("ceremony closed manually", "ceremony", ceremonyID)
			return cer, nil
		}
		if !errors.Is(err, ceremony.ErrVersionConflict) {
			return nil, err
		}
		cer, err = p.store.Ceremony(ctx, ceremonyID)
		if err != nil {
			return nil, err
		}
	}
	return nil, ceremony.ErrSlotConflict
}

// advanceCeremony applies the time-driven lifecycle transitions the
// ceremony is due for: Scheduled ceremonies open at their start time,
// Opened ceremonies close at their end time. Returns the up-to-date record.
// Only the queue manager and the finalizer drive transitions; clients never
// call this directly.
func (p *Process) advanceCeremony(ctx context.Context, c *ceremony.Ceremony) (*ceremony.Ceremony, error) {
	now := p.clock.Now()

	for attempt := 0; attempt < p.opts.maxCommitRetries; attempt++ {
		changed := false
		if c.State == ceremony.Scheduled && !now.Before(c.StartTime) {
			if _, err := c.Open(now); err != nil {
				return nil, err
			}
			changed = true
		}
		if c.State == ceremony.Opened && !now.Before(c.EndTime) {
			if _, err := c.Close(); err != nil {
				return nil, err
			}
			changed = true
		}
		if !changed {
			return c, nil
		}

		err := p.store.UpdateCeremony(ctx, c)
		if err == nil {
			p.log.Infow("ceremony advanced", "ceremony", c.ID, "state", c.State)
			return c, nil
		}
		if !errors.Is(err, ceremony.ErrVersionConflict) {
			return nil, err
		}

		// somebody else advanced it first, reload and re-check
		c, err = p.store.Ceremony(ctx, c.ID)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}
