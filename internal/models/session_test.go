package models

import (
	"testing"
	"time"
)

func TestSessionState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    SessionState
		expected bool
	}{
		{SessionStatePending, false},
		{SessionStateActive, false},
		{SessionStateCompleted, true},
		{SessionStateCancelled, true},
		{SessionStateTerminatedInsufficientFunds, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.expected {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionType_Valid(t *testing.T) {
	for _, st := range []SessionType{SessionTypeChat, SessionTypePhone, SessionTypeVideo} {
		if !st.Valid() {
			t.Errorf("%s should be valid", st)
		}
	}
	if SessionType("email").Valid() {
		t.Error("email should not be a valid session type")
	}
}

func TestSession_CloneIsIndependent(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ID: "s1", StartTime: &start, LastBilledTime: &start}

	c := s.Clone()
	later := start.Add(time.Minute)
	*c.LastBilledTime = later

	if !s.LastBilledTime.Equal(start) {
		t.Errorf("original LastBilledTime changed to %v", s.LastBilledTime)
	}
	if c.EndTime != nil {
		t.Error("clone should keep nil EndTime")
	}
}

func TestSession_ElapsedAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	tests := []struct {
		name    string
		session Session
		now     time.Time
		want    time.Duration
	}{
		{"not started", Session{}, start, 0},
		{"running", Session{StartTime: &start}, start.Add(time.Minute), time.Minute},
		{"ended", Session{StartTime: &start, EndTime: &end}, start.Add(time.Hour), 90 * time.Second},
		{"clock behind start", Session{StartTime: &start}, start.Add(-time.Second), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.ElapsedAt(tt.now); got != tt.want {
				t.Errorf("ElapsedAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccount_Defaults(t *testing.T) {
	a := &Account{ID: "a1", AutoReloadEnabled: true}
	a.ApplyDefaults()

	if a.AutoReloadAmount != DefaultAutoReloadAmount {
		t.Errorf("AutoReloadAmount = %d, want %d", a.AutoReloadAmount, DefaultAutoReloadAmount)
	}
	if !a.BelowReloadThreshold(DefaultAutoReloadThreshold) {
		t.Error("balance equal to threshold should trigger reload")
	}
	if a.BelowReloadThreshold(DefaultAutoReloadThreshold + 1) {
		t.Error("balance above threshold should not trigger reload")
	}

	a.AutoReloadEnabled = false
	if a.BelowReloadThreshold(0) {
		t.Error("disabled auto-reload should never trigger")
	}
}
