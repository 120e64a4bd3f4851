// Package notify fans session lifecycle events out to the notification and history
// collaborators (UI banners, analytics).
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"session_billing/internal/logging"
	"session_billing/internal/models"
)

// EventType names a session lifecycle change
type EventType string

const (
	EventSessionActivated  EventType = "session.activated"
	EventSessionCompleted  EventType = "session.completed"
	EventSessionCancelled  EventType = "session.cancelled"
	EventSessionTerminated EventType = "session.terminated_insufficient_funds"
)

// EventForState maps a session state to the event published when entering it
func EventForState(state models.SessionState) EventType {
	switch state {
	case models.SessionStateActive:
		return EventSessionActivated
	case models.SessionStateCompleted:
		return EventSessionCompleted
	case models.SessionStateCancelled:
		return EventSessionCancelled
	default:
		return EventSessionTerminated
	}
}

// SessionEvent is the payload delivered to every notifier
type SessionEvent struct {
	ID                string              `json:"id"`
	Type              EventType           `json:"type"`
	SessionID         string              `json:"session_id"`
	ClientAccountID   string              `json:"client_account_id"`
	ProviderAccountID string              `json:"provider_account_id,omitempty"`
	State             models.SessionState `json:"state"`
	Reason            string              `json:"reason,omitempty"`
	TotalCharged      int64               `json:"total_charged"`
	Timestamp         time.Time           `json:"timestamp"`
}

// NewSessionEvent builds the event for a session's current state
func NewSessionEvent(s *models.Session, now time.Time) SessionEvent {
	return SessionEvent{
		ID:                uuid.NewString(),
		Type:              EventForState(s.State),
		SessionID:         s.ID,
		ClientAccountID:   s.ClientAccountID,
		ProviderAccountID: s.ProviderAccountID,
		State:             s.State,
		Reason:            s.EndReason,
		TotalCharged:      s.TotalCharged,
		Timestamp:         now.UTC(),
	}
}

// Notifier delivers session events
type Notifier interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// LogNotifier writes events to the structured log
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.NewLogger("notify")}
}

// Publish logs the event
func (n *LogNotifier) Publish(ctx context.Context, event SessionEvent) error {
	n.logger.WithFields(logging.Fields{
		"event":         event.Type,
		"session_id":    event.SessionID,
		"state":         event.State,
		"total_charged": event.TotalCharged,
		"reason":        event.Reason,
	}).Info("Session event")
	return nil
}

// MultiNotifier publishes to every notifier and joins their errors
type MultiNotifier []Notifier

// Publish delivers the event to all notifiers even when some fail
func (m MultiNotifier) Publish(ctx context.Context, event SessionEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
