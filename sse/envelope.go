// Copyright 2025 The ssehub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sse

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind the set of notification envelope kinds
type EnvelopeKind string

// Envelope kinds. Connected is only emitted once, as the greeting frame right
// after a subscription is established.
const (
	KindConnected EnvelopeKind = "connected"
	KindProgress  EnvelopeKind = "progress"
	KindSuccess   EnvelopeKind = "success"
	KindError     EnvelopeKind = "error"
)

// Envelope one push notification frame payload. Immutable once constructed.
//
// The JSON field names follow the wire format consumed by the existing frontend
// clients, so they are camelCase instead of snake_case.
type Envelope struct {
	// EventName is the envelope kind, doubling as the SSE event name
	EventName EnvelopeKind `json:"eventName"`
	// Stage is a free-form stage label (e.g. "exporting", "uploading")
	Stage string `json:"stage"`
	// Progress is the percent complete, 0-100. Only meaningful for progress frames
	Progress int `json:"progress"`
	// Message is a human readable status message
	Message string `json:"message"`
	// Data is an opaque result payload carried by success frames
	Data interface{} `json:"data,omitempty"`
	// Timestamp is the envelope creation time in Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// NewProgressEnvelope define a progress envelope
func NewProgressEnvelope(stage string, percent int, message string) Envelope {
	return Envelope{
		EventName: KindProgress,
		Stage:     stage,
		Progress:  percent,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewSuccessEnvelope define a terminal success envelope
func NewSuccessEnvelope(message string, data interface{}) Envelope {
	return Envelope{
		EventName: KindSuccess,
		Stage:     "success",
		Progress:  100,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorEnvelope define a terminal error envelope
func NewErrorEnvelope(message string) Envelope {
	return Envelope{
		EventName: KindError,
		Stage:     "error",
		Progress:  0,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// newConnectedEnvelope define the subscription greeting envelope
func newConnectedEnvelope(message string) Envelope {
	return Envelope{
		EventName: KindConnected,
		Stage:     "connected",
		Progress:  0,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Terminal whether receipt of this envelope closes the subscription
func (e Envelope) Terminal() bool {
	return e.EventName == KindSuccess || e.EventName == KindError
}

// frame serialize the envelope as one text-event-stream frame
//
//	event: <kind>\ndata: <json>\n\n
func (e Envelope) frame() ([]byte, error) {
	body, err := json.Marshal(&e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.EventName, body)), nil
}
