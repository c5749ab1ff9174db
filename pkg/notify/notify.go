// Package notify tells downstream consumers that an object finished assembling.
//
// Supported channels:
// - HTTP webhook (JSON POST with retries)
// - Redis Pub/Sub
// - Kafka
package notify

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotifyFailed = errors.New("notify: delivery failed")

// Notification is the message body sent to consumers. The fileName field
// carries the full destination key.
type Notification struct {
	Filename string `json:"fileName"`
	Title    string `json:"title,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	UploadID string `json:"uploadId,omitempty"`
}

func (n Notification) encode() ([]byte, error) {
	return json.Marshal(n)
}

// Notifier delivers completion notifications.
type Notifier interface {
	// Name identifies the channel in logs and metrics.
	Name() string
	Notify(ctx context.Context, n Notification) error
	Close() error
}
