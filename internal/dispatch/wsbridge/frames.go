package wsbridge

import (
	"encoding/json"
	"time"
)

// Frame is the wire schema for the persistent worker channel (spec §4.4/
// §4.6/§6): a worker connects once, authenticates via init, then exchanges
// dispatch/complete/fail/heartbeat/event frames for the life of the
// connection.
type Frame struct {
	Type         string          `json:"type"`
	JobID        string          `json:"job_id,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Token        string          `json:"token,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       any             `json:"result,omitempty"`
	Error        *FrameError     `json:"error,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	EventData    map[string]any  `json:"event_data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// FrameError is the wire shape of a fail frame's error.
type FrameError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

const (
	FrameInit      = "init"
	FrameHeartbeat = "heartbeat"
	FrameDispatch  = "dispatch"
	FrameComplete  = "complete"
	FrameFail      = "fail"
	FrameEvent     = "event"
	FrameAck       = "ack"
)
