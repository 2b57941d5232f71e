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

// Package events holds the domain event shapes exchanged over the internal
// event bus. Business services construct and publish these; the notification
// bridge is their only consumer here.
package events

import "github.com/chengft/ssehub/sse"

// TaskProgress reports progress of one long-running background task (export,
// import, rich menu publish). Read-only once published.
type TaskProgress struct {
	// Channel the notification channel the task's subscriber listens on
	Channel sse.Channel
	// TaskID identifies the task, and with it the one subscriber waiting on it
	TaskID string
	// Progress is -1 on failure, 0-99 while running, and >= 100 on completion
	Progress int
	// Stage free-form stage label, e.g. "exporting"
	Stage string
	// Message human readable status message
	Message string
}

// EventKey route all progress events of one task through the same bus worker
func (e TaskProgress) EventKey() string {
	return e.TaskID
}

// PaymentCompleted signals that an order's payment finished and the order state
// change was committed. Publishers must stage this event and only commit it
// together with the surrounding database transaction.
type PaymentCompleted struct {
	// OrderNo the order whose payment completed
	OrderNo string
	// Message human readable confirmation message
	Message string
}

// EventKey route events of one order through the same bus worker
func (e PaymentCompleted) EventKey() string {
	return e.OrderNo
}

// ReservationChanged signals that item reservation counts changed; fanned out
// to every subscriber on the reservation channel.
type ReservationChanged struct {
	// ItemID the item whose reservation state changed
	ItemID string
	// Reserved the new reservation count
	Reserved int
	// Message human readable status message
	Message string
}
