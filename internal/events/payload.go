package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedPayload is returned when a payload does not have the shape its
// event type requires.
var ErrMalformedPayload = errors.New("malformed payload")

// OperationPayload is the part of an operation snapshot needed to key it.
type OperationPayload struct {
	UUID   string `json:"uuid"`
	Status int    `json:"status"`
}

// DecodeOperation extracts the operation snapshot of an sdk.Operation event.
func DecodeOperation(e Event) (OperationPayload, error) {
	var op OperationPayload
	if len(e.Payload) == 0 {
		return op, fmt.Errorf("operation: %w", ErrMalformedPayload)
	}
	if err := json.Unmarshal(e.Payload, &op); err != nil {
		return op, fmt.Errorf("operation: %w: %v", ErrMalformedPayload, err)
	}
	if op.UUID == "" {
		return op, fmt.Errorf("operation: %w: missing uuid", ErrMalformedPayload)
	}
	return op, nil
}

// JobRunPayload is the job-run snapshot carried by sdk.EventRunWorkflowJob.
// The server encodes it without json tags, hence the capitalised keys.
type JobRunPayload struct {
	ID     int64  `json:"ID"`
	Status string `json:"Status"`
}

// DecodeJobRun extracts the job-run snapshot of a job event.
func DecodeJobRun(e Event) (JobRunPayload, error) {
	var job JobRunPayload
	if len(e.Payload) == 0 {
		return job, fmt.Errorf("job run: %w", ErrMalformedPayload)
	}
	if err := json.Unmarshal(e.Payload, &job); err != nil {
		return job, fmt.Errorf("job run: %w: %v", ErrMalformedPayload, err)
	}
	if job.ID == 0 || job.Status == "" {
		return job, fmt.Errorf("job run: %w: missing ID or Status", ErrMalformedPayload)
	}
	return job, nil
}

// BroadcastPayload is an announcement snapshot.
type BroadcastPayload struct {
	ID    int64           `json:"ID"`
	Title string          `json:"Title"`
	Level string          `json:"Level,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// Key returns the cache key of the broadcast.
func (b BroadcastPayload) Key() string {
	return strconv.FormatInt(b.ID, 10)
}

// BroadcastField returns the payload sub-object holding the broadcast for a
// given broadcast event type.
func BroadcastField(t Type) string {
	switch t {
	case BroadcastAdd:
		return "Broadcast"
	case BroadcastUpdate:
		return "NewBroadcast"
	case BroadcastDelete:
		return "BroadcastID"
	}
	return ""
}

// DecodeBroadcast extracts the broadcast snapshot of an add or update event.
// ok is false when the expected sub-object is absent.
func DecodeBroadcast(e Event) (BroadcastPayload, bool) {
	var b BroadcastPayload
	field := BroadcastField(e.Type)
	if field == "" || e.Type == BroadcastDelete {
		return b, false
	}
	raw, ok := payloadField(e.Payload, field)
	if !ok {
		return b, false
	}
	if err := json.Unmarshal(raw, &b); err != nil || b.ID == 0 {
		return b, false
	}
	b.Raw = raw
	return b, true
}

// DecodeBroadcastID extracts the id of a deleted broadcast.
func DecodeBroadcastID(e Event) (string, bool) {
	raw, ok := payloadField(e.Payload, BroadcastField(BroadcastDelete))
	if !ok {
		return "", false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id == 0 {
		return "", false
	}
	return strconv.FormatInt(id, 10), true
}

func payloadField(payload json.RawMessage, field string) (json.RawMessage, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, false
	}
	raw, ok := fields[field]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}
