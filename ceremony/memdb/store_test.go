package memdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/ceremony/memdb"
)

func TestStoreCeremonyVersioning(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()
	defer func() {
		require.NoError(t, store.Close())
	}()

	c := &ceremony.Ceremony{
		ID:             "ceremony-1",
		Title:          "test",
		State:          ceremony.Scheduled,
		PenaltyMinutes: 60,
	}
	require.NoError(t, store.SaveCeremony(ctx, c))
	require.ErrorIs(t, store.SaveCeremony(ctx, c), ceremony.ErrDuplicateID)

	loaded, err := store.Ceremony(ctx, "ceremony-1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), loaded.Version)

	loaded.State = ceremony.Opened
	require.NoError(t, store.UpdateCeremony(ctx, loaded))

	// the stale copy must now be rejected
	require.ErrorIs(t, store.UpdateCeremony(ctx, loaded), ceremony.ErrVersionConflict)

	reloaded, err := store.Ceremony(ctx, "ceremony-1")
	require.NoError(t, err)
	require.Equal(t, ceremony.Opened, reloaded.State)
	require.Equal(t, uint64(1), reloaded.Version)
}

func TestStoreCircuitConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	circuit := &ceremony.Circuit{ID: "circuit-1", CeremonyID: "ceremony-1"}
	require.NoError(t, store.SaveCircuit(ctx, circuit))

	// two writers read the same version, only the first commit wins
	first, err := store.Circuit(ctx, "circuit-1")
	require.NoError(t, err)
	second, err := store.Circuit(ctx, "circuit-1")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, first.Grant("alice", now, now.Add(time.Minute)))
	require.NoError(t, store.UpdateCircuit(ctx, first))

	require.NoError(t, second.Grant("bob", now, now.Add(time.Minute)))
	require.ErrorIs(t, store.UpdateCircuit(ctx, second), ceremony.ErrVersionConflict)

	winner, err := store.Circuit(ctx, "circuit-1")
	require.NoError(t, err)
	require.Equal(t, "alice", winner.Contributor.ParticipantID)
}

func TestStoreReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	circuit := &ceremony.Circuit{ID: "circuit-1", WaitingQueue: []string{"alice"}}
	require.NoError(t, store.SaveCircuit(ctx, circuit))

	loaded, err := store.Circuit(ctx, "circuit-1")
	require.NoError(t, err)
	loaded.WaitingQueue[0] = "mallory"
	loaded.Enqueue("eve")

	reloaded, err := store.Circuit(ctx, "circuit-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, reloaded.WaitingQueue)
}

func TestStoreContributionAppend(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	_, err := store.LastContribution(ctx, "circuit-1")
	require.ErrorIs(t, err, ceremony.ErrNoContribution)

	first := &ceremony.Contribution{
		CircuitID:      "circuit-1",
		ParticipantID:  "alice",
		SequenceNumber: 1,
		PreviousHash:   ceremony.GenesisHash(),
		ComputedHash:   ceremony.HashPayload([]byte("one")),
		Verified:       true,
	}
	require.NoError(t, store.AppendContribution(ctx, first))

	// a duplicate sequence number must be rejected
	require.ErrorIs(t, store.AppendContribution(ctx, first), ceremony.ErrSequenceConflict)

	// a gap must be rejected
	gap := &ceremony.Contribution{CircuitID: "circuit-1", SequenceNumber: 3}
	require.ErrorIs(t, store.AppendContribution(ctx, gap), ceremony.ErrSequenceConflict)

	second := &ceremony.Contribution{
		CircuitID:      "circuit-1",
		ParticipantID:  "bob",
		SequenceNumber: 2,
		PreviousHash:   first.ComputedHash,
		ComputedHash:   ceremony.HashPayload([]byte("two")),
		Verified:       true,
	}
	require.NoError(t, store.AppendContribution(ctx, second))

	chain, err := store.Contributions(ctx, "circuit-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, 1, chain[0].SequenceNumber)
	require.Equal(t, 2, chain[1].SequenceNumber)

	last, err := store.LastContribution(ctx, "circuit-1")
	require.NoError(t, err)
	require.Equal(t, second.ComputedHash, last.ComputedHash)
}

func TestStoreTimeoutEvents(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	_, err := store.LastTimeoutEvent(ctx, "circuit-1", "alice")
	require.ErrorIs(t, err, ceremony.ErrNoTimeoutEvent)

	older := &ceremony.TimeoutEvent{
		ParticipantID: "alice",
		CircuitID:     "circuit-1",
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Kind:          ceremony.TimeoutExpiry,
	}
	newer := &ceremony.TimeoutEvent{
		ParticipantID: "alice",
		CircuitID:     "circuit-1",
		Timestamp:     older.Timestamp.Add(2 * time.Hour),
		Kind:          ceremony.TimeoutRejection,
	}
	require.NoError(t, store.SaveTimeoutEvent(ctx, older))
	require.NoError(t, store.SaveTimeoutEvent(ctx, newer))

	last, err := store.LastTimeoutEvent(ctx, "circuit-1", "alice")
	require.NoError(t, err)
	require.Equal(t, newer.Timestamp, last.Timestamp)
	require.Equal(t, ceremony.TimeoutRejection, last.Kind)

	// other participants are unaffected
	_, err = store.LastTimeoutEvent(ctx, "circuit-1", "bob")
	require.ErrorIs(t, err, ceremony.ErrNoTimeoutEvent)
}

func TestStoreParticipantState(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	fresh, err := store.ParticipantState(ctx, "circuit-1", "alice")
	require.NoError(t, err)
	require.Equal(t, ceremony.Waiting, fresh.Status)
	require.Zero(t, fresh.TimeoutCount)

	fresh.Status = ceremony.Contributing
	require.NoError(t, store.SaveParticipantState(ctx, fresh))

	loaded, err := store.ParticipantState(ctx, "circuit-1", "alice")
	require.NoError(t, err)
	require.Equal(t, ceremony.Contributing, loaded.Status)
}

func TestStoreCircuitsByCeremonyOrder(t *testing.T) {
	ctx := context.Background()
	store := memdb.NewStore()

	for _, c := range []*ceremony.Circuit{
		{ID: "circuit-b", CeremonyID: "ceremony-1", SequencePosition: 2},
		{ID: "circuit-a", CeremonyID: "ceremony-1", SequencePosition: 1},
		{ID: "circuit-x", CeremonyID: "ceremony-2", SequencePosition: 1},
	} {
		require.NoError(t, store.SaveCircuit(ctx, c))
	}

	circuits, err := store.CircuitsByCeremony(ctx, "ceremony-1")
	require.NoError(t, err)
	require.Len(t, circuits, 2)
	require.Equal(t, "circuit-a", circuits[0].ID)
	require.Equal(t, "circuit-b", circuits[1].ID)
}
