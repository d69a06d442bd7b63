package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkceremony/coordinator/ceremony"
)

// closedCeremony runs one contribution through the circuit and drives the
// ceremony past its end time.
func closedCeremony(t *testing.T, p *Process, clk interface{ Advance(time.Duration) }) (*ceremony.Ceremony, *ceremony.Circuit) {
	t.Helper()
	ctx := context.Background()

	cer, circuit := createCeremony(t, p, dynamicSetup(testEpoch, 20))
	grant, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	submitFor(t, p, circuit.ID, "alice", []byte(grant.PreviousHash+"params"))

	clk.Advance(49 * time.Hour)
	require.NoError(t, p.CheckTimeouts(ctx))

	loaded, err := p.Ceremony(ctx, cer.ID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Closed, loaded.State)
	return loaded, circuit
}

func TestFinalizeAppendsTerminalBeacon(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	cer, circuit := closedCeremony(t, p, clk)

	final, err := p.Finalize(ctx, cer.ID, "coordinator-1", []byte("drand-round-424242"))
	require.NoError(t, err)
	require.Equal(t, ceremony.Finalized, final.State)

	contributions, err := store.Contributions(ctx, circuit.ID)
	require.NoError(t, err)
	require.Len(t, contributions, 2)

	terminal := contributions[1]
	require.True(t, terminal.Terminal)
	require.True(t, terminal.Verified)
	require.Equal(t, "coordinator-1", terminal.ParticipantID)
	require.Equal(t, contributions[0].ComputedHash, terminal.PreviousHash)
	require.Equal(t, 2, terminal.SequenceNumber)

	expected := ceremony.HashPayload(append([]byte(contributions[0].ComputedHash), []byte("drand-round-424242")...))
	require.Equal(t, expected, terminal.ComputedHash)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	cer, circuit := closedCeremony(t, p, clk)

	_, err := p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.NoError(t, err)

	again, err := p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.NoError(t, err)
	require.Equal(t, ceremony.Finalized, again.State)

	// no second terminal contribution
	contributions, err := store.Contributions(ctx, circuit.ID)
	require.NoError(t, err)
	require.Len(t, contributions, 2)
}

func TestFinalizeRequiresCoordinator(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, _ := closedCeremony(t, p, clk)

	_, err := p.Finalize(ctx, cer.ID, "alice", []byte("beacon"))
	require.ErrorIs(t, err, ceremony.ErrUnauthorized)
}

func TestFinalizeRequiresClosedCeremony(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	// still Scheduled
	_, err := p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotClosed)

	// Opened is not enough either
	_, err = p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	_, err = p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.ErrorIs(t, err, ceremony.ErrCeremonyNotClosed)
}

func TestFinalizeRequiresBeacon(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, _ := closedCeremony(t, p, clk)

	_, err := p.Finalize(ctx, cer.ID, "coordinator-1", nil)
	require.ErrorIs(t, err, ceremony.ErrValidation)
}

func TestFinalizeRejectsIncompleteCircuits(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)

	setup := dynamicSetup(clk.Now(), 20)
	setup.Circuits = append(setup.Circuits, CircuitSetup{Name: "mul16", SequencePosition: 2, DynamicThreshold: 20})
	cer, err := p.CreateCeremony(ctx, setup)
	require.NoError(t, err)
	circuits, err := p.Circuits(ctx, cer.ID)
	require.NoError(t, err)
	require.Len(t, circuits, 2)

	// only the first circuit gets a contribution
	grant, err := p.RequestSlot(ctx, circuits[0].ID, "alice")
	require.NoError(t, err)
	submitFor(t, p, circuits[0].ID, "alice", []byte(grant.PreviousHash+"params"))

	clk.Advance(49 * time.Hour)
	require.NoError(t, p.CheckTimeouts(ctx))

	_, err = p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.ErrorIs(t, err, ceremony.ErrIncompleteCircuit)

	// the failed attempt left no terminal contribution anywhere
	for _, circuit := range circuits {
		contributions, err := store.Contributions(ctx, circuit.ID)
		require.NoError(t, err)
		for _, c := range contributions {
			require.False(t, c.Terminal)
		}
	}
	loaded, err := p.Ceremony(ctx, cer.ID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Closed, loaded.State)
}

func TestFinalizedCeremonyRefusesSlotAndContribution(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, circuit := closedCeremony(t, p, clk)

	_, err := p.Finalize(ctx, cer.ID, "coordinator-1", []byte("beacon"))
	require.NoError(t, err)

	_, err = p.RequestSlot(ctx, circuit.ID, "bob")
	require.ErrorIs(t, err, ceremony.ErrCeremonyFinalized)
	_, err = p.SubmitContribution(ctx, circuit.ID, "bob", []byte("params"))
	require.ErrorIs(t, err, ceremony.ErrCeremonyFinalized)
}
