// Package notify is the fire-and-forget notification sink. The core
// never waits on or retries delivery; failed deliveries are logged and
// dropped.
package notify

import (
	"github.com/rs/zerolog/log"

	"github.com/bokiko/bloxos-sub000/pkg/models"
)

// Notification is one message for a user.
type Notification struct {
	Title    string
	Message  string
	Severity models.AlertSeverity
	RigID    string
}

// Notifier delivers notifications to a user. Implementations must not
// block the caller on delivery.
type Notifier interface {
	Notify(userID string, n Notification)
}

// Log is a Notifier that writes notifications to the structured log.
// Stands in for email/Telegram delivery, which lives outside the core.
type Log struct{}

// NewLog creates a log-backed notifier.
func NewLog() *Log { return &Log{} }

// Notify writes the notification to the log.
func (l *Log) Notify(userID string, n Notification) {
	log.Info().
		Str("user_id", userID).
		Str("rig_id", n.RigID).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Msg(n.Message)
}
