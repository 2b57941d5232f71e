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
	"fmt"
	"sync"
	"time"
)

// subscriptionState lifecycle state of one subscription record
type subscriptionState int

// Subscription lifecycle states. Transitions are one-directional:
// OPEN -> CLOSING -> CLOSED.
const (
	stateOpen subscriptionState = iota
	stateClosing
	stateClosed
)

// push outcomes which are not success
var (
	errSinkNotOpen = fmt.Errorf("subscription sink is not open")
	errSinkFull    = fmt.Errorf("subscription sink buffer is full")
)

// Subscription a live push connection for one (channel, subscriber) key.
//
// The registry is the sole owner of the record; the transport layer holds the
// handle only to move frames to the client. It must be the only reader of
// Frames(), which makes it the single writer against the client stream.
type Subscription struct {
	// Channel the channel this subscription listens on
	Channel Channel
	// SubscriberID the task / client this subscription serves
	SubscriberID string
	// CreatedAt when the subscription was established
	CreatedAt time.Time
	// ExpiresAt the absolute deadline of this subscription
	ExpiresAt time.Time

	mu     sync.Mutex
	state  subscriptionState
	timer  *time.Timer
	frames chan []byte
	done   chan struct{}
}

func newSubscription(
	channel Channel, subscriberID string, timeout time.Duration, sinkBuffer int,
) *Subscription {
	now := time.Now()
	return &Subscription{
		Channel:      channel,
		SubscriberID: subscriberID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
		state:        stateOpen,
		frames:       make(chan []byte, sinkBuffer),
		done:         make(chan struct{}),
	}
}

// key the registry lookup key, "<channel>:<subscriberID>"
func (s *Subscription) key() string {
	return subscriptionKey(s.Channel, s.SubscriberID)
}

func subscriptionKey(channel Channel, subscriberID string) string {
	return fmt.Sprintf("%s:%s", channel, subscriberID)
}

// Frames frames pending transmission to the client. Read by the transport layer.
func (s *Subscription) Frames() <-chan []byte {
	return s.frames
}

// Done closed once the subscription reached CLOSED. Remaining frames must still
// be drained from Frames() before ending the stream, so a terminal frame queued
// just before close is not lost.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// armDeadline start the one-shot deadline timer. Guarded by the record mutex so
// an immediate expiry cannot race the timer handle assignment.
func (s *Subscription) armDeadline(timeout time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(timeout, onExpire)
}

// isOpen whether the record is in state OPEN
func (s *Subscription) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// push enqueue one serialized frame for transmission.
//
// Returns errSinkNotOpen if the record left OPEN state, or errSinkFull if the
// sink buffer is exhausted, meaning the client stopped draining the stream.
func (s *Subscription) push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return errSinkNotOpen
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errSinkFull
	}
}

// beginClose transition OPEN -> CLOSING. Returns false if another close trigger
// already won the race; callers must treat that as a no-op.
func (s *Subscription) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return false
	}
	s.state = stateClosing
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

// finishClose transition CLOSING -> CLOSED and signal Done
func (s *Subscription) finishClose() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()
	close(s.done)
}
