package cloudsync

import (
	"encoding/json"
	"fmt"

	"devcompanion/internal/event"
)

// Record types carried in a batch.
const (
	RecordEvent  = "event"
	RecordPrompt = "prompt"
)

// Record is one synced row: an event or a prompt.
type Record struct {
	Type   string        `json:"type"`
	Event  *event.Event  `json:"event,omitempty"`
	Prompt *event.Prompt `json:"prompt,omitempty"`
}

// Timestamp returns the record's timestamp.
func (r Record) Timestamp() int64 {
	switch {
	case r.Event != nil:
		return r.Event.Timestamp
	case r.Prompt != nil:
		return r.Prompt.Timestamp
	}
	return 0
}

// UploadRequest is the body POSTed to /upload. Data is either a JSON array
// of records or, when Encrypted, an Envelope sealing that array.
type UploadRequest struct {
	AccountID string          `json:"account_id"`
	DeviceID  string          `json:"device_id"`
	Data      json.RawMessage `json:"data"`
	Encrypted bool            `json:"encrypted"`
	Timestamp int64           `json:"timestamp"`
}

// UploadResponse acknowledges an upload.
type UploadResponse struct {
	OK       bool `json:"ok"`
	Accepted int  `json:"accepted"`
}

// DownloadResponse is the body of GET /download. Data is shaped as in
// UploadRequest.
type DownloadResponse struct {
	Encrypted bool            `json:"encrypted"`
	Data      json.RawMessage `json:"data"`
}

// APIError is a non-success response from the remote service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sync api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("sync api: %d: %s", e.Status, e.Message)
}

// EncodeRecords renders records as the data field, sealing them when c is
// non-nil.
func EncodeRecords(records []Record, c *Cipher) (json.RawMessage, bool, error) {
	plain, err := json.Marshal(records)
	if err != nil {
		return nil, false, fmt.Errorf("encode records: %w", err)
	}
	if c == nil {
		return plain, false, nil
	}
	env, err := c.Seal(plain)
	if err != nil {
		return nil, false, err
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("encode envelope: %w", err)
	}
	return sealed, true, nil
}

// DecodeRecords parses a data field, opening it with c when encrypted.
func DecodeRecords(data json.RawMessage, encrypted bool, c *Cipher) ([]Record, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	plain := []byte(data)
	if encrypted {
		if c == nil {
			return nil, fmt.Errorf("decode records: encrypted data but no key")
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		opened, err := c.Open(env)
		if err != nil {
			return nil, err
		}
		plain = opened
	}
	var records []Record
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}
