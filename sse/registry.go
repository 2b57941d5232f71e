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

	"github.com/apex/log"
	"github.com/chengft/ssehub/common"
)

// DefaultSubscriptionTimeout max lifetime of a subscription when the caller
// does not request an explicit timeout
const DefaultSubscriptionTimeout = time.Minute * 30

// ErrInvalidTimeout returned when subscribing with a non-positive timeout
var ErrInvalidTimeout = fmt.Errorf("subscription timeout must be positive")

// RegistryStatistics read-only snapshot of the registry state
type RegistryStatistics struct {
	// TotalOpen number of OPEN subscriptions across all channels
	TotalOpen int `json:"totalOpen"`
	// ByChannel number of OPEN subscriptions per channel
	ByChannel map[Channel]int `json:"byChannel"`
	// OldestAgeMillis age of the oldest OPEN subscription in milliseconds
	OldestAgeMillis int64 `json:"oldestAgeMillis"`
}

// ConnectionRegistry thread-safe lifecycle management of all open push
// connections, and delivery of envelopes to the correct one
type ConnectionRegistry interface {
	// Subscribe establish a subscription for (channel, subscriberID).
	//
	// A timeout of zero selects DefaultSubscriptionTimeout; a negative timeout is
	// rejected. If a subscription already exists for the key it is closed first,
	// so the latest subscriber always wins.
	Subscribe(channel Channel, subscriberID string, timeout time.Duration) (*Subscription, error)
	// Unsubscribe close and remove the subscription for the key. A no-op if no
	// subscription exists.
	Unsubscribe(channel Channel, subscriberID string)
	// Exists whether an OPEN subscription exists for the key
	Exists(channel Channel, subscriberID string) bool
	// Send deliver one envelope to the subscription for the key. Silently dropped
	// if no OPEN subscription exists; delivery failures close the subscription.
	Send(channel Channel, subscriberID string, envelope Envelope)
	// Broadcast deliver one envelope to every OPEN subscription on the channel
	Broadcast(channel Channel, envelope Envelope)
	// Statistics snapshot of the registry state
	Statistics() RegistryStatistics
	// CloseAll close every open subscription; used during process shutdown
	CloseAll()
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	catalog        ChannelCatalog
	defaultTimeout time.Duration
	sinkBuffer     int
	// conns maps "<channel>:<subscriberID>" to *Subscription. Entry installation
	// and removal go through sync.Map atomics, so delivery on one key never
	// stalls subscribe / unsubscribe on another.
	conns sync.Map
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry(
	catalog ChannelCatalog, defaultTimeout time.Duration, sinkBuffer int,
) (ConnectionRegistry, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultSubscriptionTimeout
	}
	if sinkBuffer < 1 {
		return nil, fmt.Errorf("sink buffer size must be at least one")
	}
	logTags := log.Fields{
		"module": "sse", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		catalog:        catalog,
		defaultTimeout: defaultTimeout,
		sinkBuffer:     sinkBuffer,
	}, nil
}

// Subscribe establish a subscription for (channel, subscriberID)
func (r *connectionRegistryImpl) Subscribe(
	channel Channel, subscriberID string, timeout time.Duration,
) (*Subscription, error) {
	if !r.catalog.Valid(channel) {
		log.WithFields(r.LogTags).Errorf("Rejecting subscribe on unknown channel '%s'", channel)
		return nil, ErrUnknownChannel
	}
	if timeout < 0 {
		log.WithFields(r.LogTags).Errorf(
			"Rejecting subscribe %s/%s with timeout %s", channel, subscriberID, timeout,
		)
		return nil, ErrInvalidTimeout
	}
	if timeout == 0 {
		timeout = r.defaultTimeout
	}

	record := newSubscription(channel, subscriberID, timeout, r.sinkBuffer)

	// Install the record. Any displaced record is closed by this caller exactly
	// once; a send racing the swap delivers to whichever record it looked up.
	if prev, replaced := r.conns.Swap(record.key(), record); replaced {
		log.WithFields(r.LogTags).Infof(
			"Subscriber %s/%s reconnected, replacing live subscription", channel, subscriberID,
		)
		r.closeRecord(prev.(*Subscription), "replaced by new subscription")
	}

	// Arm only after the record is resident, so an expiry firing immediately can
	// still find and remove the map entry
	record.armDeadline(timeout, func() {
		r.closeRecord(record, "deadline reached")
	})

	// Greeting frame confirming the subscription to the client
	r.deliver(record, newConnectedEnvelope("connection established"))

	log.WithFields(r.LogTags).Infof(
		"Subscribed %s/%s with timeout %s", channel, subscriberID, timeout,
	)
	return record, nil
}

// Unsubscribe close and remove the subscription for the key
func (r *connectionRegistryImpl) Unsubscribe(channel Channel, subscriberID string) {
	value, ok := r.conns.Load(subscriptionKey(channel, subscriberID))
	if !ok {
		log.WithFields(r.LogTags).Debugf(
			"Unsubscribe %s/%s ignored, no live subscription", channel, subscriberID,
		)
		return
	}
	r.closeRecord(value.(*Subscription), "unsubscribed")
}

// Exists whether an OPEN subscription exists for the key
func (r *connectionRegistryImpl) Exists(channel Channel, subscriberID string) bool {
	value, ok := r.conns.Load(subscriptionKey(channel, subscriberID))
	if !ok {
		return false
	}
	return value.(*Subscription).isOpen()
}

// Send deliver one envelope to the subscription for the key
func (r *connectionRegistryImpl) Send(channel Channel, subscriberID string, envelope Envelope) {
	value, ok := r.conns.Load(subscriptionKey(channel, subscriberID))
	if !ok {
		// Missed notifications are dropped, not buffered
		log.WithFields(r.LogTags).Debugf(
			"Dropping %s envelope for %s/%s, no live subscription",
			envelope.EventName, channel, subscriberID,
		)
		return
	}
	r.deliver(value.(*Subscription), envelope)
}

// Broadcast deliver one envelope to every OPEN subscription on the channel
func (r *connectionRegistryImpl) Broadcast(channel Channel, envelope Envelope) {
	matched := 0
	r.conns.Range(func(_, value interface{}) bool {
		record := value.(*Subscription)
		if record.Channel == channel && record.isOpen() {
			matched++
			r.deliver(record, envelope)
		}
		return true
	})
	log.WithFields(r.LogTags).Debugf(
		"Broadcast %s envelope to %d subscriptions on '%s'", envelope.EventName, matched, channel,
	)
}

// deliver serialize the envelope into the record's sink, handling delivery
// failure as an implicit unsubscribe and terminal envelopes as a close trigger
func (r *connectionRegistryImpl) deliver(record *Subscription, envelope Envelope) {
	frame, err := envelope.frame()
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to serialize %s envelope for %s/%s",
			envelope.EventName, record.Channel, record.SubscriberID,
		)
		return
	}
	if err := record.push(frame); err != nil {
		if err == errSinkFull {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Subscriber %s/%s stopped draining its stream",
				record.Channel, record.SubscriberID,
			)
			r.closeRecord(record, "delivery failure")
		}
		return
	}
	if envelope.Terminal() {
		r.closeRecord(record, fmt.Sprintf("received terminal %s envelope", envelope.EventName))
	}
}

// closeRecord run the close sequence for one record. Safe to invoke from any
// of the close triggers racing each other; exactly one caller performs the
// transition and the rest observe a no-op.
func (r *connectionRegistryImpl) closeRecord(record *Subscription, reason string) {
	if !record.beginClose() {
		return
	}
	r.conns.CompareAndDelete(record.key(), record)
	record.finishClose()
	log.WithFields(r.LogTags).Infof(
		"Closed subscription %s/%s: %s", record.Channel, record.SubscriberID, reason,
	)
}

// Statistics snapshot of the registry state
func (r *connectionRegistryImpl) Statistics() RegistryStatistics {
	stats := RegistryStatistics{ByChannel: map[Channel]int{}}
	var oldest time.Time
	r.conns.Range(func(_, value interface{}) bool {
		record := value.(*Subscription)
		if !record.isOpen() {
			return true
		}
		stats.TotalOpen++
		stats.ByChannel[record.Channel]++
		if oldest.IsZero() || record.CreatedAt.Before(oldest) {
			oldest = record.CreatedAt
		}
		return true
	})
	if !oldest.IsZero() {
		stats.OldestAgeMillis = time.Since(oldest).Milliseconds()
	}
	return stats
}

// CloseAll close every open subscription
func (r *connectionRegistryImpl) CloseAll() {
	r.conns.Range(func(_, value interface{}) bool {
		r.closeRecord(value.(*Subscription), "registry shutting down")
		return true
	})
}
