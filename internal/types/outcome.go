package types

import "time"

// FailureKind classifies why an inference call did not produce predictions.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureTimeout           FailureKind = "timeout"
	FailureConnRefused       FailureKind = "connection_refused"
	FailureNetwork           FailureKind = "network_error"
	FailureServer            FailureKind = "http_server_error"
	FailureClient            FailureKind = "http_client_error"
	FailureMalformed         FailureKind = "malformed_response"
	FailureShutdown          FailureKind = "shutdown_cancelled"
	FailureEndpointUnhealthy FailureKind = "endpoint_unavailable"
)

// Transient reports whether another attempt could succeed.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureTimeout, FailureConnRefused, FailureNetwork, FailureServer, FailureEndpointUnhealthy:
		return true
	}
	return false
}

// Failure describes the last failed attempt of a call.
type Failure struct {
	Kind       FailureKind
	Message    string
	StatusCode int
}

// InferenceResult is what the inference client hands back for one clip.
// Exactly one of Predictions and Failure is set.
type InferenceResult struct {
	ClipID      uint64
	Predictions []Prediction
	Failure     *Failure
	Attempts    int
	RemoteID    string
	Elapsed     time.Duration
}

// OK reports a successful result.
func (r InferenceResult) OK() bool { return r.Failure == nil }

// ClipState is the lifecycle position of a clip.
type ClipState string

const (
	StateSealed     ClipState = "sealed"
	StateDispatched ClipState = "dispatched"
	StateSucceeded  ClipState = "succeeded"
	StateFailed     ClipState = "failed"
	StateDropped    ClipState = "dropped"
)

// Terminal reports whether no further transition is possible.
func (s ClipState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDropped
}

// DropReason explains a Dropped outcome.
type DropReason string

const (
	DropNone         DropReason = ""
	DropBackpressure DropReason = "backpressure"
	DropShutdown     DropReason = "shutdown"
	DropRefused      DropReason = "dispatch_refused"
)

// PendingRequest tracks a dispatched clip until its result arrives.
type PendingRequest struct {
	ClipID      uint64    `json:"clip_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Retries     int       `json:"retries"`
	Deadline    time.Time `json:"deadline"`
}

// Outcome is the single terminal record emitted for every sealed clip.
type Outcome struct {
	StreamID    string        `json:"stream_id"`
	ClipID      uint64        `json:"clip_id"`
	FirstSeq    uint64        `json:"first_seq"`
	State       ClipState     `json:"state"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	DropReason  DropReason    `json:"drop_reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Top         *Prediction   `json:"top,omitempty"`
	Predictions []Prediction  `json:"predictions,omitempty"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency_ns"`
	RemoteID    string        `json:"remote_id,omitempty"`
	SealedAt    time.Time     `json:"sealed_at"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}
