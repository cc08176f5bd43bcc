package model

import (
	"fmt"
	"strings"
)

// CanonicalizationError reports a structurally invalid incoming record. The
// record is skipped and never retried automatically.
type CanonicalizationError struct {
	Provider string
	Missing  []string
}

func (e *CanonicalizationError) Error() string {
	return fmt.Sprintf("canonicalize: record from %q missing discriminating fields: %s",
		e.Provider, strings.Join(e.Missing, ", "))
}

// PreconditionError reports a transition attempted before the target
// status's required fields are populated. Surfaced to the caller for manual
// remediation; the state machine never silently advances.
type PreconditionError struct {
	EntityID string
	Target   Status
	Missing  []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("workflow: entity %s cannot enter %s, missing fields: %s",
		e.EntityID, e.Target, strings.Join(e.Missing, ", "))
}

// TerminalStateError reports a transition attempted on a closed entity.
// Always rejected, never retried.
type TerminalStateError struct {
	EntityID string
	Status   Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("workflow: entity %s is terminal in status %s", e.EntityID, e.Status)
}

// TransitionError reports an edge that does not exist in the stage's
// transition table.
type TransitionError struct {
	EntityID string
	Stage    Stage
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: entity %s: no %s transition %s -> %s",
		e.EntityID, e.Stage, e.From, e.To)
}

// ConflictError reports concurrent merge-plan application on one entity.
// The second writer must re-resolve against the now-updated entity rather
// than overwrite blindly.
type ConflictError struct {
	EntityID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: entity %s version conflict: plan base %d, current %d",
		e.EntityID, e.ExpectedVersion, e.ActualVersion)
}
