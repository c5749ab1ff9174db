package notify

import (
	"context"
	"fmt"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/hashicorp/go-multierror"
)

// Multi fans a notification out to every configured channel. Each channel is
// tried once; the combined error lists every channel that failed.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	var kept []Notifier
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &Multi{notifiers: kept}
}

func (m *Multi) Name() string {
	return "multi"
}

// Len returns the number of channels.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var result *multierror.Error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			DeliveriesTotal.WithLabelValues(nt.Name(), "error").Inc()
			logger.Warn().
				Err(err).
				Str("channel", nt.Name()).
				Str("file_name", n.Filename).
				Msg("notify: delivery failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", nt.Name(), err))
			continue
		}
		DeliveriesTotal.WithLabelValues(nt.Name(), "success").Inc()
	}
	return result.ErrorOrNil()
}

func (m *Multi) Close() error {
	var result *multierror.Error
	for _, nt := range m.notifiers {
		if err := nt.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", nt.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
