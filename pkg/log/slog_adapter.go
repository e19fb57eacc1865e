package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("correlation_id", event.CorrelationID),
		slog.String("direction", event.Direction.String()),
		slog.String("component", event.Component.String()),
		slog.String("category", event.Category.String()),
	}

	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	// Add type-specific attributes
	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.Int("datagram_size", event.Datagram.Size),
			slog.Bool("truncated", event.Datagram.Truncated),
		)
	case event.Message != nil:
		attrs = append(attrs, slog.String("kind", event.Message.Kind.String()))
		if event.Message.NTS != "" {
			attrs = append(attrs, slog.String("nts", event.Message.NTS))
		}
		if event.Message.NotificationOrSearchTarget != "" {
			attrs = append(attrs, slog.String("nt_or_st", event.Message.NotificationOrSearchTarget))
		}
		if event.Message.USN != "" {
			attrs = append(attrs, slog.String("usn", event.Message.USN))
		}
		if event.Message.MX != nil {
			attrs = append(attrs, slog.Int("mx", *event.Message.MX))
		}
		if event.Message.StatusCode != nil {
			attrs = append(attrs, slog.Int("status", *event.Message.StatusCode))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_component", event.Error.Component.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "ssdp", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
