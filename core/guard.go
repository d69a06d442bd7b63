package core

import (
	"context"

	"github.com/zkceremony/coordinator/ceremony"
)

// Authenticate resolves a session token to a participant id. Any resolution
// failure is surfaced as UNAUTHORIZED; guards never mutate state.
func (p *Process) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ceremony.ErrUnauthorized
	}
	callerID, err := p.sessions.ResolveCaller(ctx, token)
	if err != nil {
		p.log.Debugw("session resolution failed", "err", err)
		return "", ceremony.ErrUnauthorized
	}
	return callerID, nil
}

// RequireCoordinator authenticates the token and additionally requires the
// caller to be the ceremony's coordinator.
func (p *Process) RequireCoordinator(ctx context.Context, ceremonyID, token string) (string, error) {
	callerID, err := p.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	cer, err := p.store.Ceremony(ctx, ceremonyID)
	if err != nil {
		return "", err
	}
	if callerID != cer.CoordinatorID {
		return "", ceremony.ErrUnauthorized
	}
	return callerID, nil
}

// RequireMembership authenticates the token and requires the caller to be
// either the ceremony's coordinator or a participant that has touched one
// of its circuits (queued, contributing, or already done). Diagnostic
// operations use it.
func (p *Process) RequireMembership(ctx context.Context, ceremonyID, token string) (string, error) {
	callerID, err := p.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	cer, err := p.store.Ceremony(ctx, ceremonyID)
	if err != nil {
		return "", err
	}
	if callerID == cer.CoordinatorID {
		return callerID, nil
	}

	circuits, err := p.store.CircuitsByCeremony(ctx, ceremonyID)
	if err != nil {
		return "", err
	}
	for _, circuit := range circuits {
		if circuit.Contributor != nil && circuit.Contributor.ParticipantID == callerID {
			return callerID, nil
		}
		if circuit.QueuePosition(callerID) > 0 {
			return callerID, nil
		}
		contributions, err := p.store.Contributions(ctx, circuit.ID)
		if err != nil {
			return "", err
		}
		for _, c := range contributions {
			if c.ParticipantID == callerID {
				return callerID, nil
			}
		}
	}
	return "", ceremony.ErrUnauthorized
}
