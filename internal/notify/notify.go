// Package notify pushes operational alerts to a text channel.
package notify

import (
	"strata/internal/logger"
)

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// LogNotifier writes notifications to the application log. It is the default
// sink when no external channel is configured.
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.InfoBlock(text)
	return nil
}
