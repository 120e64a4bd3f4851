// Package session holds the session lifecycle rules and session persistence.
package session

import (
	"errors"
	"fmt"
	"time"

	"session_billing/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session id twice
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition is returned for any move the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// transitions lists the allowed moves; terminal states have none
var transitions = map[models.SessionState][]models.SessionState{
	models.SessionStatePending: {
		models.SessionStateActive,
		models.SessionStateCancelled,
	},
	models.SessionStateActive: {
		models.SessionStateCompleted,
		models.SessionStateCancelled,
		models.SessionStateTerminatedInsufficientFunds,
	},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to models.SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(s *models.Session, to models.SessionState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// Activate moves a pending session to active with its rate locked in
func Activate(s *models.Session, ratePerMinute int64, now time.Time) error {
	if ratePerMinute <= 0 {
		return fmt.Errorf("rate must be positive, got %d", ratePerMinute)
	}
	if err := transition(s, models.SessionStateActive); err != nil {
		return err
	}
	start := now
	billed := now
	s.RatePerMinute = ratePerMinute
	s.StartTime = &start
	s.LastBilledTime = &billed
	s.Accumulated = 0
	s.TotalCharged = 0
	s.LastIntervalIndex = 0
	s.ReloadGraceUsed = false
	s.UpdatedAt = now
	return nil
}

// ApplyTick records a billed slice of time on an active session
func ApplyTick(s *models.Session, tick models.BillingTick, amount int64, now time.Time) error {
	if s.State != models.SessionStateActive {
		return fmt.Errorf("%w: tick on %s session", ErrInvalidTransition, s.State)
	}
	if tick.Elapsed < 0 || amount < 0 {
		return fmt.Errorf("tick cannot move billing backwards")
	}
	billed := s.LastBilledTime.Add(tick.Elapsed)
	s.LastBilledTime = &billed
	s.Accumulated += tick.Elapsed
	s.TotalCharged += amount
	if tick.IntervalIndex > s.LastIntervalIndex {
		s.LastIntervalIndex = tick.IntervalIndex
	}
	s.ReloadGraceUsed = false
	s.UpdatedAt = now
	return nil
}

// End moves a session into a terminal state
func End(s *models.Session, to models.SessionState, reason string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	if err := transition(s, to); err != nil {
		return err
	}
	end := now
	s.EndTime = &end
	s.EndReason = reason
	s.UpdatedAt = now
	return nil
}
