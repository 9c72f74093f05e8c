// Package notification delivers zone alerts to external channels
// (webhooks, Telegram, logs).
package notification

import (
	"context"
	"fmt"
	"log"

	"marketstructure/internal/bus"
	"marketstructure/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// ZoneAlert formats a zone event as an alert. Breaker formations rank
// as warnings since they mark a structure reversal.
func ZoneAlert(ev bus.ZoneEvent) Alert {
	level := AlertInfo
	if ev.Kind == model.KindBreakerBlock {
		level = AlertWarning
	}
	return Alert{
		Level: level,
		Title: fmt.Sprintf("%s %s %s", ev.Symbol, ev.Timeframe, ev.Kind),
		Message: fmt.Sprintf("zone [%.5g, %.5g] midpoint %.5g detected at %s",
			ev.Zone.ZoneLow(), ev.Zone.ZoneHigh(), ev.Zone.Midpoint(),
			ev.EmittedAt.UTC().Format("2006-01-02 15:04:05")),
	}
}

// LogNotifier logs alerts instead of delivering them. Useful for
// development and as the default sink when nothing is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}
