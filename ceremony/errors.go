package ceremony

import (
	"errors"
	"fmt"
	"time"
)

// Store errors.
var ErrCeremonyNotFound = errors.New("ceremony not found")
var ErrCircuitNotFound = errors.New("circuit not found")
var ErrNoContribution = errors.New("no contribution stored for circuit")
var ErrNoTimeoutEvent = errors.New("no timeout event stored for participant")
var ErrDuplicateID = errors.New("a record with this id already exists")

// ErrVersionConflict is returned by conditional updates when the record was
// modified since it was read. The caller re-reads and retries.
var ErrVersionConflict = errors.New("record version changed since read")

// ErrSequenceConflict is returned by a conditional append whose sequence
// number no longer follows the stored tail.
var ErrSequenceConflict = errors.New("contribution sequence number conflicts with stored tail")

// State precondition errors.
var ErrInvalidStateTransition = errors.New("invalid ceremony state transition")
var ErrCeremonyNotStarted = errors.New("ceremony start time has not been reached")
var ErrCeremonyNotOpen = errors.New("ceremony is not open for contributions")
var ErrCeremonyNotClosed = errors.New("ceremony must be closed before finalizing")
var ErrCeremonyFinalized = errors.New("ceremony is finalized and immutable")

// Queue errors.
var ErrSlotOccupied = errors.New("the contribution slot is already held")
var ErrSlotConflict = errors.New("could not commit the slot transition after retries")
var ErrAlreadyContributed = errors.New("participant already contributed to this circuit")
var ErrPenaltyActive = errors.New("participant is inside an active penalty window")

// Contribution errors.
var ErrUnauthorizedSlot = errors.New("participant does not hold the contribution slot")
var ErrVerificationFailed = errors.New("contribution failed verification")
var ErrChainIntegrity = errors.New("contribution chain integrity violation")
var ErrCircuitHalted = errors.New("circuit is halted pending operator intervention")

// Authorization and finalize errors.
var ErrUnauthorized = errors.New("caller is not authorized for this operation")
var ErrIncompleteCircuit = errors.New("a circuit lacks a terminal verified contribution")

// ErrValidation wraps all malformed-input failures of createCeremony.
var ErrValidation = errors.New("invalid ceremony configuration")

// InvalidStateChange describes an attempted skip or reversal of the linear
// ceremony lifecycle.
func InvalidStateChange(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// Validationf builds a validation error with details about the offending
// field.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PenaltyError carries the remaining wait before the participant may
// re-enter the queue.
type PenaltyError struct {
	Remaining time.Duration
}

func (e *PenaltyError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrPenaltyActive, e.Remaining)
}

func (e *PenaltyError) Unwrap() error {
	return ErrPenaltyActive
}
