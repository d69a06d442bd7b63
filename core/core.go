// Package core implements the contribution queue and timeout coordinator:
// per-circuit FIFO admission with a single active slot, deadline
// computation and eviction, the hash-chained contribution ledger, and
// ceremony finalization. All shared state lives in the injected
// transactional store; every mutation is a conditional commit so that
// multiple coordinator instances stay correct without in-memory locks.
package core

import (
	"errors"

	clock "github.com/jonboulle/clockwork"

	"github.com/zkceremony/coordinator/auth"
	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/log"
	"github.com/zkceremony/coordinator/verifier"
)

// Process is the coordinator service. Every operation is a short-lived unit
// of work invoked by a remote caller or the periodic sweep trigger; no
// in-process goroutine owns circuit state.
type Process struct {
	store    ceremony.Store
	verifier verifier.Verifier
	sessions auth.SessionProvider
	clock    clock.Clock
	log      log.Logger
	opts     *Config
}

// NewProcess wires a coordinator from its config. The store, verifier and
// session provider are mandatory collaborators.
func NewProcess(cfg *Config) (*Process, error) {
	if cfg.store == nil {
		return nil, errors.New("core: a store is required")
	}
	if cfg.verifier == nil {
		return nil, errors.New("core: a verifier is required")
	}
	if cfg.sessions == nil {
		return nil, errors.New("core: a session provider is required")
	}

	return &Process{
		store:    cfg.store,
		verifier: cfg.verifier,
		sessions: cfg.sessions,
		clock:    cfg.clock,
		log:      cfg.logger.Named("core"),
		opts:     cfg,
	}, nil
}

// Store exposes the underlying store, mainly for the HTTP surface's pure
// reads.
func (p *Process) Store() ceremony.Store {
	return p.store
}
