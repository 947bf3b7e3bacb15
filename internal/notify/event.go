// ABOUTME: Decodes S3 Object Created arrival events (EventBridge shape) into artifact refs.
// ABOUTME: Object keys arrive URL-encoded and are unescaped before use.
package notify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/artifact"
)

// arrivalEvent is the EventBridge "Object Created" notification shape.
type arrivalEvent struct {
	Time   time.Time `json:"time"`
	Detail struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"detail"`
}

// DecodeArrival converts a raw arrival event into an artifact.Ref. S3 encodes
// keys with '+' for spaces and percent escapes; both are reversed here.
func DecodeArrival(raw []byte) (artifact.Ref, error) {
	var ev arrivalEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return artifact.Ref{}, fmt.Errorf("decode arrival event: %w", err)
	}
	if ev.Detail.Bucket.Name == "" || ev.Detail.Object.Key == "" {
		return artifact.Ref{}, fmt.Errorf("decode arrival event: missing bucket or key")
	}

	// QueryUnescape reverses both percent escapes and '+' for space, matching
	// how S3 encodes keys in event payloads.
	key, err := url.QueryUnescape(ev.Detail.Object.Key)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("decode arrival event: unescape key %q: %w", ev.Detail.Object.Key, err)
	}

	eventTime := ev.Time
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	return artifact.Ref{
		Bucket:    ev.Detail.Bucket.Name,
		Key:       key,
		SizeBytes: ev.Detail.Object.Size,
		EventTime: eventTime,
	}, nil
}
