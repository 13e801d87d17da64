/*
errors.go - Error taxonomy for the capacity engine

PURPOSE:
  Every failure the engine reports falls into one of a few kinds. Callers
  branch on the kind with errors.Is against the sentinels, and pull details
  (like the current maximum quantity) out with errors.As on the structured
  types, which all unwrap to a sentinel.

ERROR CATEGORIES:
  1. Client errors - validation, capacity exceeded, incompatible slots,
     slot conflicts, closed slots
  2. Lookup errors - unknown plant, subtype, slot, booking
  3. Retryable errors - lost updates and lock timeouts

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package capacity

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input: bad ranges, non-positive
	// quantities, out-of-range buffers.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a plant, subtype, slot or booking is unknown.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned when a quantity exceeds what the slot
	// can give or take. Always accompanied by *CapacityExceededError.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrIncompatibleSlots is returned when transfer source and target belong
	// to different plants or subtypes.
	ErrIncompatibleSlots = errors.New("incompatible slots")

	// ErrConcurrentModification is returned when a version check detects a
	// lost update. The caller may retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockTimeout is returned when an operation could not finish within its
	// deadline. Nothing was applied; the caller may retry.
	ErrLockTimeout = errors.New("operation timed out waiting for slot lock")

	// ErrSlotConflict is returned when generated slots overlap an active slot
	// for the same plant and subtype.
	ErrSlotConflict = errors.New("slot window overlaps an existing slot")

	// ErrSlotClosed is returned when reserving against a closed slot.
	ErrSlotClosed = errors.New("slot is closed")

	// ErrDuplicateIdempotencyKey is returned by stores when a transfer record
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "plant", "subtype", "slot", "booking"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CapacityExceededError carries the maximum quantity that would have been
// accepted, computed from state read inside the failing transaction.
type CapacityExceededError struct {
	SlotID    SlotID
	Requested int64
	Max       int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded on slot %s: requested %d, max %d",
		e.SlotID, e.Requested, e.Max)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// IncompatibleSlotsError describes a plant/subtype mismatch.
type IncompatibleSlotsError struct {
	Source Slot
	Target Slot
}

func (e *IncompatibleSlotsError) Error() string {
	return fmt.Sprintf("incompatible slots: %s is %s/%s, %s is %s/%s",
		e.Source.ID, e.Source.PlantID, e.Source.SubtypeID,
		e.Target.ID, e.Target.PlantID, e.Target.SubtypeID)
}

func (e *IncompatibleSlotsError) Unwrap() error { return ErrIncompatibleSlots }

// SlotConflictError names the existing slot a generated window collides with.
type SlotConflictError struct {
	Existing  SlotID
	Window    Period
	Requested Period
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("window %s overlaps slot %s %s", e.Requested, e.Existing, e.Window)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrIncompatibleSlots) ||
		errors.Is(err, ErrSlotConflict) ||
		errors.Is(err, ErrSlotClosed)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
