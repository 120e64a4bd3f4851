package models

import "time"

// SessionType is the kind of live reading being metered
type SessionType string

const (
	SessionTypeChat  SessionType = "chat"
	SessionTypePhone SessionType = "phone"
	SessionTypeVideo SessionType = "video"
)

// Valid reports whether t is a known session type
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeChat, SessionTypePhone, SessionTypeVideo:
		return true
	}
	return false
}

// SessionState is a position in the session lifecycle
type SessionState string

const (
	SessionStatePending                     SessionState = "pending"
	SessionStateActive                      SessionState = "active"
	SessionStateCompleted                   SessionState = "completed"
	SessionStateCancelled                   SessionState = "cancelled"
	SessionStateTerminatedInsufficientFunds SessionState = "terminated_insufficient_funds"
)

// IsTerminal reports whether no transition can leave the state
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateCancelled, SessionStateTerminatedInsufficientFunds:
		return true
	}
	return false
}

// Session is one billed reading between a client and a provider.
//
// RatePerMinute is fixed on activation. Accumulated is the wall-clock time
// already billed; TotalCharged is the sum of every charge applied for it.
type Session struct {
	ID                string        `db:"id" json:"id"`
	ClientAccountID   string        `db:"client_account_id" json:"client_account_id"`
	ProviderAccountID string        `db:"provider_account_id" json:"provider_account_id"`
	Type              SessionType   `db:"session_type" json:"type"`
	RatePerMinute     int64         `db:"rate_per_minute" json:"rate_per_minute"`
	State             SessionState  `db:"state" json:"state"`
	StartTime         *time.Time    `db:"start_time" json:"start_time,omitempty"`
	LastBilledTime    *time.Time    `db:"last_billed_time" json:"last_billed_time,omitempty"`
	Accumulated       time.Duration `db:"accumulated_ns" json:"accumulated_ns"`
	TotalCharged      int64         `db:"total_charged" json:"total_charged"`
	LastIntervalIndex int64         `db:"last_interval_index" json:"last_interval_index"`
	ReloadGraceUsed   bool          `db:"reload_grace_used" json:"reload_grace_used"`
	EndTime           *time.Time    `db:"end_time" json:"end_time,omitempty"`
	EndReason         string        `db:"end_reason" json:"end_reason,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without racing the owner
func (s *Session) Clone() *Session {
	c := *s
	c.StartTime = cloneTime(s.StartTime)
	c.LastBilledTime = cloneTime(s.LastBilledTime)
	c.EndTime = cloneTime(s.EndTime)
	return &c
}

// ElapsedAt returns the wall-clock length of the session as observed at now
func (s *Session) ElapsedAt(now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(*s.StartTime) {
		return 0
	}
	return end.Sub(*s.StartTime)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
