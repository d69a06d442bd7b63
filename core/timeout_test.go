package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkceremony/coordinator/ceremony"
)

func TestFixedDeadline(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, fixedSetup(clk.Now(), 30))

	grant, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, clk.Now().Add(30*time.Minute), grant.Deadline)
}

func TestDynamicDeadlineWorkedExample(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	// no verified contribution yet: baseline 10min stretched by 20%
	grant, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, clk.Now().Add(12*time.Minute), grant.Deadline)

	// alice takes 11.5 minutes; the baseline counts as the first sample,
	// so the average lands at 10.75 minutes
	clk.Advance(11*time.Minute + 30*time.Second)
	contribution := submitFor(t, p, circuit.ID, "alice", []byte(grant.PreviousHash+"params"))
	require.Equal(t, int64(690000), contribution.DurationMs)

	loaded, err := store.Circuit(ctx, circuit.ID)
	require.NoError(t, err)
	require.Equal(t, int64(645000), loaded.AverageContributionTimeMs)

	// 10.75min * 1.2 = 12.9min, rounded up to the next whole minute
	grant, err = p.RequestSlot(ctx, circuit.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, clk.Now().Add(13*time.Minute), grant.Deadline)
}

func TestFixedCircuitKeepsNoAverage(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, fixedSetup(clk.Now(), 30))

	grant, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)
	submitFor(t, p, circuit.ID, "alice", []byte(grant.PreviousHash+"params"))

	loaded, err := store.Circuit(ctx, circuit.ID)
	require.NoError(t, err)
	require.Zero(t, loaded.AverageContributionTimeMs)
}

func TestSweepEvictsOverdueAndPromotes(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	_, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	_, err = p.RequestSlot(ctx, circuit.ID, "bob")
	require.NoError(t, err)

	clk.Advance(12*time.Minute + time.Second)
	require.NoError(t, p.CheckTimeouts(ctx))

	// alice is out with a penalty entry and bob holds the slot with a
	// deadline computed from the eviction time
	loaded, err := store.Circuit(ctx, circuit.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", loaded.Contributor.ParticipantID)
	require.Equal(t, clk.Now().Add(12*time.Minute), loaded.Contributor.Deadline)
	require.Empty(t, loaded.WaitingQueue)

	event, err := store.LastTimeoutEvent(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, ceremony.TimeoutExpiry, event.Kind)
	require.Equal(t, clk.Now(), event.Timestamp)

	state, err := store.ParticipantState(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, ceremony.TimedOut, state.Status)
	require.Equal(t, 1, state.TimeoutCount)
	require.NotNil(t, state.LastTimeoutAt)
}

func TestSweepLeavesOnTimeContributorAlone(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	_, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)

	// exactly at the deadline is still on time
	clk.Advance(12 * time.Minute)
	require.NoError(t, p.CheckTimeouts(ctx))

	loaded, err := store.Circuit(ctx, circuit.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", loaded.Contributor.ParticipantID)
}

func TestSweepOpensScheduledCeremonies(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	cer, _ := createCeremony(t, p, dynamicSetup(clk.Now().Add(time.Hour), 20))

	require.NoError(t, p.CheckTimeouts(ctx))
	loaded, err := p.Ceremony(ctx, cer.ID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Scheduled, loaded.State)

	clk.Advance(time.Hour)
	require.NoError(t, p.CheckTimeouts(ctx))
	loaded, err = p.Ceremony(ctx, cer.ID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Opened, loaded.State)
}

func TestEvictedParticipantServesPenalty(t *testing.T) {
	ctx := context.Background()
	p, _, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	_, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	clk.Advance(12*time.Minute + time.Second)
	require.NoError(t, p.CheckTimeouts(ctx))

	_, err = p.RequestSlot(ctx, circuit.ID, "alice")
	require.ErrorIs(t, err, ceremony.ErrPenaltyActive)

	clk.Advance(60 * time.Minute)
	grant, err := p.RequestSlot(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.True(t, grant.Granted)
}

func TestRepeatedTimeoutsAccumulate(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestProcess(t)
	_, circuit := createCeremony(t, p, dynamicSetup(clk.Now(), 20))

	for i := 0; i < 2; i++ {
		_, err := p.RequestSlot(ctx, circuit.ID, "alice")
		require.NoError(t, err)
		clk.Advance(12*time.Minute + time.Second)
		require.NoError(t, p.CheckTimeouts(ctx))
		clk.Advance(60 * time.Minute)
	}

	state, err := store.ParticipantState(ctx, circuit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, state.TimeoutCount)
}
