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

// Package bridge adapts domain events from the internal bus into notification
// envelopes delivered through the connection registry.
package bridge

import (
	"fmt"
	"reflect"

	"github.com/apex/log"
	"github.com/chengft/ssehub/bus"
	"github.com/chengft/ssehub/common"
	"github.com/chengft/ssehub/events"
	"github.com/chengft/ssehub/sse"
)

// ProgressRelay bridges domain events to push notifications. Runs entirely on
// bus workers; a fault while mapping or delivering is logged and dropped, never
// surfaced to the publishing business logic.
type ProgressRelay struct {
	common.Component
	registry sse.ConnectionRegistry
}

// RegisterProgressRelay define a relay and register its handlers on the bus
func RegisterProgressRelay(
	eventBus bus.EventBus, registry sse.ConnectionRegistry,
) (*ProgressRelay, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "progress-relay",
	}
	relay := &ProgressRelay{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
	}
	if err := eventBus.SubscribeTo(
		reflect.TypeOf(events.TaskProgress{}), relay.handleTaskProgress,
	); err != nil {
		return nil, err
	}
	if err := eventBus.SubscribeTo(
		reflect.TypeOf(events.PaymentCompleted{}), relay.handlePaymentCompleted,
	); err != nil {
		return nil, err
	}
	if err := eventBus.SubscribeTo(
		reflect.TypeOf(events.ReservationChanged{}), relay.handleReservationChanged,
	); err != nil {
		return nil, err
	}
	return relay, nil
}

// handleTaskProgress map one task progress event onto an envelope.
//
// Mapping policy: progress of -1 is a failure, 100 or above is completion,
// anything else is an intermediate progress update.
func (l *ProgressRelay) handleTaskProgress(event interface{}) error {
	progressEvent, ok := event.(events.TaskProgress)
	if !ok {
		return fmt.Errorf("can not process unknown type %s as task progress", reflect.TypeOf(event))
	}

	channel := progressEvent.Channel
	if channel == "" {
		channel = sse.ChannelItemExport
	}
	stage := progressEvent.Stage
	if stage == "" {
		stage = "processing"
	}

	var envelope sse.Envelope
	switch {
	case progressEvent.Progress == -1:
		envelope = sse.NewErrorEnvelope(progressEvent.Message)
	case progressEvent.Progress >= 100:
		envelope = sse.NewSuccessEnvelope(progressEvent.Message, nil)
	default:
		envelope = sse.NewProgressEnvelope(stage, progressEvent.Progress, progressEvent.Message)
	}

	l.registry.Send(channel, progressEvent.TaskID, envelope)
	log.WithFields(l.LogTags).Debugf(
		"Relayed %s notification for task %s on '%s'",
		envelope.EventName, progressEvent.TaskID, channel,
	)
	return nil
}

// handlePaymentCompleted notify the one client waiting on an order's payment.
// Producers stage this event against the order transaction, so it only arrives
// here after the commit.
func (l *ProgressRelay) handlePaymentCompleted(event interface{}) error {
	paymentEvent, ok := event.(events.PaymentCompleted)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s as payment completion", reflect.TypeOf(event),
		)
	}
	envelope := sse.NewSuccessEnvelope(
		paymentEvent.Message, map[string]string{"orderNo": paymentEvent.OrderNo},
	)
	l.registry.Send(sse.ChannelOrderPayment, paymentEvent.OrderNo, envelope)
	log.WithFields(l.LogTags).Debugf(
		"Relayed payment completion for order %s", paymentEvent.OrderNo,
	)
	return nil
}

// handleReservationChanged fan a reservation update out to every subscriber on
// the reservation channel
func (l *ProgressRelay) handleReservationChanged(event interface{}) error {
	reserveEvent, ok := event.(events.ReservationChanged)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s as reservation change", reflect.TypeOf(event),
		)
	}
	envelope := sse.NewProgressEnvelope("reserve-update", 100, reserveEvent.Message)
	l.registry.Broadcast(sse.ChannelItemReserve, envelope)
	log.WithFields(l.LogTags).Debugf(
		"Broadcast reservation change for item %s", reserveEvent.ItemID,
	)
	return nil
}
