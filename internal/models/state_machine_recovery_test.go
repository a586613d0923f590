package models

import (
	"testing"
)

func TestStatusMachine_RecoveredActiveTransition(t *testing.T) {
	sm := NewStatusMachine()

	// A snapshot restored mid-session may re-enter ACTIVE directly.
	err := sm.Transition(StatusActive, ConditionRecoveredActive)
	if err != nil {
		t.Errorf("Failed to transition from WAITING_FOR_ENTRY to ACTIVE for recovery: %v", err)
	}

	if sm.Current() != StatusActive {
		t.Errorf("Expected status ACTIVE, got %s", sm.Current())
	}

	// Normal flow continues from the recovered status.
	err = sm.Transition(StatusCompleted, ConditionExitVerified)
	if err != nil {
		t.Errorf("Failed to transition from recovered ACTIVE to COMPLETED: %v", err)
	}
}

func TestStatusMachine_InvalidRecoveredTransition(t *testing.T) {
	sm := NewStatusMachine()

	mustTransition(t, sm, StatusPendingFill, ConditionEntrySubmitted)

	// Recovery edge only exists from the initial status.
	err := sm.Transition(StatusActive, ConditionRecoveredActive)
	if err == nil {
		t.Error("Expected error when using the recovery transition from PENDING_FILL")
	}
}

func TestNewStatusMachineFromStatus_RecoveredTrade(t *testing.T) {
	sm := NewStatusMachineFromStatus(StatusActive)

	if sm.Current() != StatusActive {
		t.Errorf("Expected status ACTIVE, got %s", sm.Current())
	}

	// Transitions proceed normally from the rehydrated status.
	err := sm.Transition(StatusPartialExit, ConditionTargetPartial)
	if err != nil {
		t.Errorf("Failed to transition from rehydrated ACTIVE: %v", err)
	}

	if sm.Current() != StatusPartialExit {
		t.Errorf("Expected status PARTIAL_EXIT, got %s", sm.Current())
	}
}

func TestNewStatusMachineFromStatus_EmptyStatus(t *testing.T) {
	sm := NewStatusMachineFromStatus("")

	if sm.Current() != StatusWaitingForEntry {
		t.Errorf("Empty status should default to WAITING_FOR_ENTRY, got %s", sm.Current())
	}
}
