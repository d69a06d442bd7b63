package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkceremony/coordinator/ceremony"
)

func TestCreateCeremonyPersistsCircuitsInOrder(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)

	setup := dynamicSetup(clk.Now(), 20)
	setup.Circuits = []CircuitSetup{
		{Name: "mul16", SequencePosition: 2, DynamicThreshold: 30},
		{Name: "mul8", SequencePosition: 1, DynamicThreshold: 20},
	}

	cer, err := p.CreateCeremony(ctx, setup)
	require.NoError(t, err)
	require.Equal(t, ceremony.Scheduled, cer.State)
	require.NotEmpty(t, cer.ID)

	circuits, err := p.Circuits(ctx, cer.ID)
	require.NoError(t, err)
	require.Len(t, circuits, 2)
	require.Equal(t, 1, circuits[0].SequencePosition)
	require.Equal(t, 2, circuits[1].SequencePosition)
	require.Equal(t, uint32(20), circuits[0].DynamicThreshold)
	for _, c := range circuits {
		require.Equal(t, cer.ID, c.CeremonyID)
		require.Zero(t, c.AverageContributionTimeMs)
		require.False(t, c.Halted)
	}
}

func TestCreateCeremonyFixedWindow(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)

	cer, err := p.CreateCeremony(ctx, fixedSetup(clk.Now(), 45))
	require.NoError(t, err)

	circuits, err := p.Circuits(ctx, cer.ID)
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, circuits[0].FixedTimeWindow)
}

func TestCreateCeremonyValidation(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	start := clk.Now()

	mutations := map[string]func(*Setup){
		"missing title":       func(s *Setup) { s.Title = "" },
		"missing coordinator": func(s *Setup) { s.CoordinatorID = "" },
		"end before start":    func(s *Setup) { s.EndTime = s.StartTime.Add(-time.Hour) },
		"end equals start":    func(s *Setup) { s.EndTime = s.StartTime },
		"zero penalty":        func(s *Setup) { s.PenaltyMinutes = 0 },
		"unknown mechanism":   func(s *Setup) { s.Timeout = 0 },
		"no circuits":         func(s *Setup) { s.Circuits = nil },
		"duplicate positions": func(s *Setup) {
			s.Circuits = append(s.Circuits, CircuitSetup{Name: "dup", SequencePosition: 1, DynamicThreshold: 10})
		},
		"threshold above 100": func(s *Setup) { s.Circuits[0].DynamicThreshold = 101 },
		"fixed window on dynamic ceremony": func(s *Setup) {
			s.Circuits[0].FixedTimeWindowMinutes = 30
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			setup := dynamicSetup(start, 20)
			mutate(setup)
			_, err := p.CreateCeremony(ctx, setup)
			require.ErrorIs(t, err, ceremony.ErrValidation)
		})
	}

	t.Run("zero window on fixed ceremony", func(t *testing.T) {
		setup := fixedSetup(start, 0)
		_, err := p.CreateCeremony(ctx, setup)
		require.ErrorIs(t, err, ceremony.ErrValidation)
	})

	t.Run("threshold on fixed ceremony", func(t *testing.T) {
		setup := fixedSetup(start, 30)
		setup.Circuits[0].DynamicThreshold = 20
		_, err := p.CreateCeremony(ctx, setup)
		require.ErrorIs(t, err, ceremony.ErrValidation)
	})
}

func TestCloseCeremonyManually(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	// a Scheduled ceremony cannot be closed, the lifecycle is linear
	_, err := p.CloseCeremony(ctx, cer.ID, "coordinator-1")
	require.ErrorIs(t, err, ceremony.ErrInvalidStateTransition)

	_, err = p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)

	_, err = p.CloseCeremony(ctx, cer.ID, "alice")
	require.ErrorIs(t, err, ceremony.ErrUnauthorized)

	closed, err := p.CloseCeremony(ctx, cer.ID, "coordinator-1")
	require.NoError(t, err)
	require.Equal(t, ceremony.Closed, closed.State)

	// closing twice is a no-op
	again, err := p.CloseCeremony(ctx, cer.ID, "coordinator-1")
	require.NoError(t, err)
	require.Equal(t, ceremony.Closed, again.State)

	// no new slots after a manual close
	_, err = p.RequestSlot(ctx, circuit.ID, "bob")
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotOpen)
}

func TestGuards(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	t.Run("authenticate resolves tokens", func(t *testing.T) {
		callerID, err := p.Authenticate(ctx, "token-alice")
		require.NoError(t, err)
		require.Equal(t, "alice", callerID)

		_, err = p.Authenticate(ctx, "")
		require.ErrorIs(t, err, ceremony.ErrUnauthorized)
		_, err = p.Authenticate(ctx, "token-unknown")
		require.ErrorIs(t, err, ceremony.ErrUnauthorized)
	})

	t.Run("coordinator guard", func(t *testing.T) {
		callerID, err := p.RequireCoordinator(ctx, cer.ID, "token-coordinator")
		require.NoError(t, err)
		require.Equal(t, "coordinator-1", callerID)

		_, err = p.RequireCoordinator(ctx, cer.ID, "token-alice")
		require.ErrorIs(t, err, ceremony.ErrUnauthorized)
	})

	t.Run("membership guard", func(t *testing.T) {
		// alice has not touched the ceremony yet
		_, err := p.RequireMembership(ctx, cer.ID, "token-alice")
		require.ErrorIs(t, err, ceremony.ErrUnauthorized)

		_, err = p.RequestSlot(ctx, circuit.ID, "alice")
		require.NoError(t, err)
		callerID, err := p.RequireMembership(ctx, cer.ID, "token-alice")
		require.NoError(t, err)
		require.Equal(t, "alice", callerID)

		// queued participants are members too
		_, err = p.RequestSlot(ctx, circuit.ID, "bob")
		require.NoError(t, err)
		_, err = p.RequireMembership(ctx, cer.ID, "token-bob")
		require.NoError(t, err)

		// the coordinator always passes
		_, err = p.RequireMembership(ctx, cer.ID, "token-coordinator")
		require.NoError(t, err)
	})
}
