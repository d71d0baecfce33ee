package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSpec reports an invalid specification or version map.
	ErrSpec = errors.New("invalid specification")
	// ErrAlreadyPopulated is returned when papers already exist.
	ErrAlreadyPopulated = errors.New("paper database already populated")
	// ErrNotFound is returned for missing papers, slots, bundles or images.
	ErrNotFound = errors.New("not found")
	// ErrSlotOccupied is returned when a push finds its slot filled.
	ErrSlotOccupied = errors.New("slot occupied")
	// ErrBundlePushed is returned when mutating material of a pushed or locked bundle.
	ErrBundlePushed = errors.New("bundle pushed")
	// ErrDuplicateBundle is returned when re-ingesting a pushed bundle.
	ErrDuplicateBundle = errors.New("duplicate bundle")
	// ErrInvalidTransition is returned for classification changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid transition")
)

// SlotOccupiedError carries the image that already owns the slot.
type SlotOccupiedError struct {
	Paper   int
	Page    int
	ImageID int64
}

func (e *SlotOccupiedError) Error() string {
	return fmt.Sprintf("slot (%d, %d) occupied by image %d", e.Paper, e.Page, e.ImageID)
}

func (e *SlotOccupiedError) Unwrap() error { return ErrSlotOccupied }

// DuplicateBundleError carries the bundle that already holds the content.
type DuplicateBundleError struct {
	Hash     string
	BundleID string
}

func (e *DuplicateBundleError) Error() string {
	return fmt.Sprintf("bundle %s with hash %s already pushed", e.BundleID, e.Hash)
}

func (e *DuplicateBundleError) Unwrap() error { return ErrDuplicateBundle }

// TransitionError describes a rejected classification change.
type TransitionError struct {
	StagingID int64
	From      Classification
	To        Classification
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("staging image %d: cannot move from %q to %q", e.StagingID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[Classification][]Classification{
	ClassUnknown:   {ClassKnown, ClassColliding, ClassError, ClassExtra, ClassDiscarded},
	ClassError:     {ClassKnown, ClassColliding, ClassUnknown, ClassExtra, ClassDiscarded},
	ClassColliding: {ClassKnown, ClassDiscarded, ClassError},
	ClassKnown:     {ClassColliding, ClassError, ClassExtra, ClassDiscarded},
	ClassExtra:     {ClassUnknown, ClassDiscarded},
	ClassDiscarded: nil,
}

// CanTransition reports whether a staging image may move from one
// classification to another. Reclassifying to the same value is allowed
// for every non-terminal state.
func CanTransition(from, to Classification) bool {
	if from == to {
		return from != ClassDiscarded && from.Valid()
	}
	for _, c := range transitions[from] {
		if c == to {
			return true
		}
	}
	return false
}
