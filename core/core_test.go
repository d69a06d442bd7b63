package core

import (
	"context"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zkceremony/coordinator/auth"
	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/ceremony/memdb"
	"github.com/zkceremony/coordinator/verifier"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcess(t *testing.T, opts ...ConfigOption) (*Process, *memdb.Store, clock.FakeClock) {
	t.Helper()

	store := memdb.NewStore()
	fakeClock := clock.NewFakeClockAt(testEpoch)

	defaults := []ConfigOption{
		WithStore(store),
		WithVerifier(verifier.Func(acceptAll)),
		WithSessionProvider(auth.StaticProvider{
			"token-coordinator": "coordinator-1",
			"token-alice":       "alice",
			"token-bob":         "bob",
		}),
		WithClock(fakeClock),
	}
	cfg := NewConfig(append(defaults, opts...)...)
	p, err := NewProcess(cfg)
	require.NoError(t, err)
	return p, store, fakeClock
}

func acceptAll(_ context.Context, _, _ string, payload []byte) (*verifier.Result, error) {
	return &verifier.Result{Valid: true, Hash: ceremony.HashPayload(payload)}, nil
}

func rejectAll(_ context.Context, _, _ string, _ []byte) (*verifier.Result, error) {
	return &verifier.Result{Valid: false}, nil
}

// dynamicSetup returns a one-circuit dynamic ceremony starting at the fake
// clock's current time.
func dynamicSetup(start time.Time, threshold uint32) *Setup {
	return &Setup{
		Title:          "phase 2 ceremony",
		Description:    "test",
		StartTime:      start,
		EndTime:        start.Add(48 * time.Hour),
		Timeout:        ceremony.Dynamic,
		PenaltyMinutes: 60,
		CoordinatorID:  "coordinator-1",
		Circuits: []CircuitSetup{
			{Name: "mul8", SequencePosition: 1, DynamicThreshold: threshold},
		},
	}
}

func fixedSetup(start time.Time, windowMinutes uint32) *Setup {
	return &Setup{
		Title:          "phase 2 ceremony",
		StartTime:      start,
		EndTime:        start.Add(48 * time.Hour),
		Timeout:        ceremony.Fixed,
		PenaltyMinutes: 60,
		CoordinatorID:  "coordinator-1",
		Circuits: []CircuitSetup{
			{Name: "mul8", SequencePosition: 1, FixedTimeWindowMinutes: windowMinutes},
		},
	}
}

// createCeremony creates the setup and returns the ceremony with its single
// circuit.
func createCeremony(t *testing.T, p *Process, setup *Setup) (*ceremony.Ceremony, *ceremony.Circuit) {
	t.Helper()
	ctx := context.Background()

	cer, err := p.CreateCeremony(ctx, setup)
	require.NoError(t, err)
	circuits, err := p.Circuits(ctx, cer.ID)
	require.NoError(t, err)
	require.Len(t, circuits, 1)
	return cer, circuits[0]
}

// submitFor drives a full contribution for the participant currently
// holding the circuit's slot.
func submitFor(t *testing.T, p *Process, circuitID, participantID string, payload []byte) *ceremony.Contribution {
	t.Helper()
	contribution, err := p.SubmitContribution(context.Background(), circuitID, participantID, payload)
	require.NoError(t, err)
	return contribution
}
