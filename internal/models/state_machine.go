// Package models provides data structures and state management for the trade lifecycle.
package models

import (
	"fmt"
	"time"
)

// TradeStatus represents the current lifecycle status of a trade.
type TradeStatus string

const (
	// StatusWaitingForEntry means the signal was promoted but no order is out yet.
	StatusWaitingForEntry TradeStatus = "WAITING_FOR_ENTRY"
	// StatusPendingFill means an entry order is at the broker awaiting fill.
	StatusPendingFill TradeStatus = "PENDING_FILL"
	// StatusActive means the entry fill is verified and the position is being managed.
	StatusActive TradeStatus = "ACTIVE"
	// StatusPartialExit means TP1 closed part of the position; the remainder runs on.
	StatusPartialExit TradeStatus = "PARTIAL_EXIT"
	// StatusCompleted means the exit fill is verified and the trade is finished.
	StatusCompleted TradeStatus = "COMPLETED"
	// StatusFailed means the entry was rejected, timed out, or could not be verified.
	StatusFailed TradeStatus = "FAILED"
	// StatusCancelled means an operator cancelled the trade explicitly.
	StatusCancelled TradeStatus = "CANCELLED"
)

// Transition conditions. Every Transition call names the condition that drove it
// so the audit trail reads as cause -> effect.
const (
	ConditionEntrySubmitted  = "entry_submitted"
	ConditionEntryVerified   = "entry_verified"
	ConditionEntryRejected   = "entry_rejected"
	ConditionEntryTimeout    = "entry_timeout"
	ConditionVerifyFailed    = "verify_failed"
	ConditionTargetPartial   = "target1_partial"
	ConditionExitVerified    = "exit_verified"
	ConditionSignalExpired   = "signal_expired"
	ConditionAdminCancel     = "admin_cancel"
	ConditionRecoveredActive = "recovered_active"
)

// StatusTransition defines a single valid edge in the trade lifecycle.
type StatusTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions is the complete edge set of the trade lifecycle.
var ValidTransitions = []StatusTransition{
	// Entry path
	{StatusWaitingForEntry, StatusPendingFill, ConditionEntrySubmitted, "Entry order submitted to broker"},
	{StatusWaitingForEntry, StatusFailed, ConditionEntryRejected, "Broker rejected the entry at submission"},
	{StatusWaitingForEntry, StatusCancelled, ConditionSignalExpired, "Pending signal expired before submission"},
	{StatusWaitingForEntry, StatusCancelled, ConditionAdminCancel, "Operator cancelled before submission"},

	// Fill verification
	{StatusPendingFill, StatusActive, ConditionEntryVerified, "Entry fill verified, position live"},
	{StatusPendingFill, StatusFailed, ConditionEntryRejected, "Broker rejected the pending entry"},
	{StatusPendingFill, StatusFailed, ConditionEntryTimeout, "Entry unfilled past timeout, order cancelled"},
	{StatusPendingFill, StatusFailed, ConditionVerifyFailed, "Entry verification failed"},
	{StatusPendingFill, StatusCancelled, ConditionAdminCancel, "Operator cancelled the pending entry"},

	// Managed position
	{StatusActive, StatusPartialExit, ConditionTargetPartial, "TP1 closed a fraction, remainder runs"},
	{StatusActive, StatusCompleted, ConditionExitVerified, "Exit fill verified, trade complete"},
	{StatusActive, StatusCancelled, ConditionAdminCancel, "Operator abandoned the live position"},
	{StatusPartialExit, StatusCompleted, ConditionExitVerified, "Remainder exit verified, trade complete"},
	{StatusPartialExit, StatusCancelled, ConditionAdminCancel, "Operator abandoned the partial position"},

	// Crash recovery: a snapshot restored mid-session re-enters the machine directly.
	{StatusWaitingForEntry, StatusActive, ConditionRecoveredActive, "Recovered a live position from snapshot"},
}

// StatusMachine tracks the lifecycle status of one trade and enforces the edge set.
type StatusMachine struct {
	transitionTime  time.Time
	transitionCount map[TradeStatus]int
	currentStatus   TradeStatus
	previousStatus  TradeStatus
}

// NewStatusMachine creates a machine at WAITING_FOR_ENTRY.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{
		currentStatus:   StatusWaitingForEntry,
		previousStatus:  StatusWaitingForEntry,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TradeStatus]int),
	}
}

// NewStatusMachineFromStatus creates a machine already positioned at the given
// status. Used when rehydrating a trade from a persisted snapshot: the machine
// accepts the stored status as-is and enforces transitions from there.
func NewStatusMachineFromStatus(status TradeStatus) *StatusMachine {
	sm := NewStatusMachine()
	if status != "" {
		sm.currentStatus = status
		sm.previousStatus = status
	}
	return sm
}

// Current returns the current status.
func (sm *StatusMachine) Current() TradeStatus {
	return sm.currentStatus
}

// Previous returns the status before the last transition.
func (sm *StatusMachine) Previous() TradeStatus {
	return sm.previousStatus
}

// IsValidTransition checks whether moving to the given status under the given
// condition is allowed from the current status.
func (sm *StatusMachine) IsValidTransition(to TradeStatus, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From != sm.currentStatus || tr.To != to {
			continue
		}
		if tr.Condition == "" || tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentStatus, to, condition)
}

// Transition moves to a new status after validating the edge.
func (sm *StatusMachine) Transition(to TradeStatus, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousStatus = sm.currentStatus
	sm.currentStatus = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a status.
func (sm *StatusMachine) TransitionCount(status TradeStatus) int {
	return sm.transitionCount[status]
}

// TransitionTime returns when the last transition happened.
func (sm *StatusMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// HoldsSlot reports whether this status occupies the single active-trade slot.
// Exactly one trade may be in a slot-holding status at any time.
func (s TradeStatus) HoldsSlot() bool {
	return s == StatusPendingFill || s == StatusActive || s == StatusPartialExit
}

// Terminal reports whether the status is an end state.
func (s TradeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the defined constants.
func (s TradeStatus) Valid() bool {
	switch s {
	case StatusWaitingForEntry, StatusPendingFill, StatusActive,
		StatusPartialExit, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the current status.
func (sm *StatusMachine) Description() string {
	switch sm.currentStatus {
	case StatusWaitingForEntry:
		return "Signal promoted, no order out yet"
	case StatusPendingFill:
		return "Entry order at broker, awaiting fill verification"
	case StatusActive:
		return "Position live, managing stop/target/trail"
	case StatusPartialExit:
		return "TP1 booked on part of the position, remainder running"
	case StatusCompleted:
		return "Trade complete, exit verified"
	case StatusFailed:
		return "Entry failed, slot released"
	case StatusCancelled:
		return "Cancelled by operator"
	default:
		return "Unknown status"
	}
}

// ValidateConsistency ensures the machine's internal bookkeeping holds together.
func (sm *StatusMachine) ValidateConsistency() error {
	total := 0
	for _, c := range sm.transitionCount {
		total += c
	}
	if total == 0 {
		if sm.currentStatus != sm.previousStatus {
			return fmt.Errorf("no transitions recorded but current %s differs from previous %s",
				sm.currentStatus, sm.previousStatus)
		}
		return nil
	}
	if sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: %d transitions recorded", total)
	}
	if !sm.currentStatus.Valid() {
		return fmt.Errorf("unknown status %q", sm.currentStatus)
	}
	if sm.currentStatus.Terminal() && sm.transitionCount[sm.currentStatus] == 0 {
		return fmt.Errorf("terminal status %s has no recorded entry transition", sm.currentStatus)
	}
	return nil
}

// Copy creates a deep copy of the StatusMachine.
func (sm *StatusMachine) Copy() *StatusMachine {
	if sm == nil {
		return nil
	}
	out := &StatusMachine{
		currentStatus:   sm.currentStatus,
		previousStatus:  sm.previousStatus,
		transitionTime:  sm.transitionTime,
		transitionCount: make(map[TradeStatus]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}
