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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/chengft/ssehub/bus"
	"github.com/chengft/ssehub/common"
	"github.com/chengft/ssehub/events"
	"github.com/chengft/ssehub/sse"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestPushHandler REST handler for the push notification subsystem
type APIRestPushHandler struct {
	APIRestHandler
	registry    sse.ConnectionRegistry
	eventBus    bus.EventBus
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestPushHandler define APIRestPushHandler
func GetAPIRestPushHandler(
	baseContext context.Context,
	registry sse.ConnectionRegistry,
	eventBus bus.EventBus,
	httpConfig *common.HTTPConfig,
) (APIRestPushHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "push-notification",
	}
	return APIRestPushHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// =======================================================================
// Subscription

// Subscribe establish a push subscription for one (channel, subscriber) key.
// This is a long lived server-sent-event stream; it closes on unsubscribe,
// deadline expiry, a terminal notification, client disconnect, or server
// shutdown.
func (h APIRestPushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	channel, ok := vars["channel"]
	if !ok {
		msg := "No channel provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "subscribe", r,
		)
		return
	}
	subscriberID, ok := vars["subscriberId"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "subscribe", r,
		)
		return
	}

	// Optional subscription timeout in milliseconds
	timeout := time.Duration(0)
	if t, ok := r.URL.Query()["timeoutMillis"]; ok {
		if len(t) != 1 {
			msg := "Multiple timeoutMillis values"
			log.WithFields(localLogTags).Error(msg)
			h.reply(
				w, http.StatusBadRequest,
				h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "subscribe", r,
			)
			return
		}
		p, err := strconv.ParseInt(t[0], 10, 64)
		if err != nil || p <= 0 {
			msg := "Unable to parse timeoutMillis"
			log.WithFields(localLogTags).Error(msg)
			h.reply(
				w, http.StatusBadRequest,
				h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "subscribe", r,
			)
			return
		}
		timeout = time.Millisecond * time.Duration(p)
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusInternalServerError,
			h.getStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg), "subscribe", r,
		)
		return
	}

	subscription, err := h.registry.Subscribe(sse.Channel(channel), subscriberID, timeout)
	if err != nil {
		msg := "Unable to establish subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, err.Error()), "subscribe", r,
		)
		return
	}

	logTags := localLogTags
	logTags["channel"] = channel
	logTags["subscriber"] = subscriberID

	// Send support headers for SSE
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	// This handler goroutine is the only writer against the client stream
	writeFrame := func(frame []byte) bool {
		if _, err := w.Write(frame); err != nil {
			log.WithError(err).WithFields(logTags).Info(
				"Client vanished, releasing subscription",
			)
			h.registry.Unsubscribe(sse.Channel(channel), subscriberID)
			return false
		}
		writeFlusher.Flush()
		return true
	}

	for {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			log.WithFields(logTags).Info("Terminating push stream on server stop")
			h.registry.Unsubscribe(sse.Channel(channel), subscriberID)
			return
		case <-r.Context().Done():
			// Request closed
			log.WithFields(logTags).Info("Terminating push stream on request end")
			h.registry.Unsubscribe(sse.Channel(channel), subscriberID)
			return
		case <-subscription.Done():
			// Registry closed the subscription; flush anything still queued
			for {
				select {
				case frame := <-subscription.Frames():
					if !writeFrame(frame) {
						return
					}
				default:
					log.WithFields(logTags).Info("Push stream complete")
					return
				}
			}
		case frame := <-subscription.Frames():
			if !writeFrame(frame) {
				return
			}
		}
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestPushHandler) SubscribeHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	})
}

// -----------------------------------------------------------------------

// Unsubscribe close the subscription for one (channel, subscriber) key.
// Idempotent; unsubscribing a key with no live subscription still succeeds.
func (h APIRestPushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	channel, ok := vars["channel"]
	if !ok {
		msg := "No channel provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "unsubscribe", r,
		)
		return
	}
	subscriberID, ok := vars["subscriberId"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "unsubscribe", r,
		)
		return
	}

	h.registry.Unsubscribe(sse.Channel(channel), subscriberID)
	h.reply(w, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "unsubscribe", r)
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestPushHandler) UnsubscribeHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespExists response of the exists check
type APIRestRespExists struct {
	StandardResponse
	// Exists whether an open subscription exists for the key
	Exists bool `json:"exists"`
}

// Exists whether an open subscription exists for one (channel, subscriber) key
func (h APIRestPushHandler) Exists(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	channel, ok := vars["channel"]
	if !ok {
		msg := "No channel provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "exists", r,
		)
		return
	}
	subscriberID, ok := vars["subscriberId"]
	if !ok {
		msg := "No subscriber ID provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "exists", r,
		)
		return
	}

	resp := APIRestRespExists{
		StandardResponse: h.getStdRESTSuccessMsg(r.Context()),
		Exists:           h.registry.Exists(sse.Channel(channel), subscriberID),
	}
	h.reply(w, http.StatusOK, resp, "exists", r)
}

// ExistsHandler Wrapper around Exists
func (h APIRestPushHandler) ExistsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Exists(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespStatistics response of the statistics snapshot
type APIRestRespStatistics struct {
	StandardResponse
	sse.RegistryStatistics
}

// Statistics read-only snapshot of the connection registry
func (h APIRestPushHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	resp := APIRestRespStatistics{
		StandardResponse:   h.getStdRESTSuccessMsg(r.Context()),
		RegistryStatistics: h.registry.Statistics(),
	}
	h.reply(w, http.StatusOK, resp, "statistics", r)
}

// StatisticsHandler Wrapper around Statistics
func (h APIRestPushHandler) StatisticsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Statistics(w, r)
	})
}

// =======================================================================
// Producer ingress

// APIRestReqProgressEvent a task progress event submitted by an out-of-process
// producer
type APIRestReqProgressEvent struct {
	// Channel the target notification channel; defaults to item-export
	Channel string `json:"channel"`
	// SubscriberID the task / client the notification is for
	SubscriberID string `json:"subscriber_id" validate:"required"`
	// Progress -1 on failure, 0-99 while running, >= 100 on completion
	Progress int `json:"progress" validate:"gte=-1"`
	// Stage free-form stage label
	Stage string `json:"stage"`
	// Message human readable status message
	Message string `json:"message"`
}

// PublishProgress accept one task progress event and publish it on the bus
func (h APIRestPushHandler) PublishProgress(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.getLogTagsForContext(r.Context())

	var request APIRestReqProgressEvent
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "publish-progress", r,
		)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid progress event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w, http.StatusBadRequest,
			h.getStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg), "publish-progress", r,
		)
		return
	}

	accepted := h.eventBus.Publish(events.TaskProgress{
		Channel:  sse.Channel(request.Channel),
		TaskID:   request.SubscriberID,
		Progress: request.Progress,
		Stage:    request.Stage,
		Message:  request.Message,
	})
	if !accepted {
		msg := "Event bus saturated"
		log.WithFields(localLogTags).Warn(msg)
		h.reply(
			w, http.StatusServiceUnavailable,
			h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg),
			"publish-progress", r,
		)
		return
	}
	h.reply(w, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "publish-progress", r)
}

// PublishProgressHandler Wrapper around PublishProgress
func (h APIRestPushHandler) PublishProgressHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishProgress(w, r)
	})
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestPushHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "alive", r)
}

// AliveHandler Wrapper around Alive
func (h APIRestPushHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready readiness check
func (h APIRestPushHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "ready", r)
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
