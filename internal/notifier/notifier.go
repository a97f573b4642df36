// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram, email).
// The engine announces fills and session transitions through it.
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// Nop discards every message. Used when no notifier is configured.
type Nop struct{}

func (Nop) Send(string) error          { return nil }
func (Nop) SendWithRetry(string) error { return nil }
