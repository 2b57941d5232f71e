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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chengft/ssehub/apis"
	"github.com/chengft/ssehub/bridge"
	"github.com/chengft/ssehub/bus"
	"github.com/chengft/ssehub/common"
	"github.com/chengft/ssehub/sse"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the push notification server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Assemble the push notification core

	catalog := sse.DefaultChannelCatalog()

	registry, err := sse.GetConnectionRegistry(
		catalog,
		time.Second*time.Duration(config.Push.DefaultTimeout),
		config.Push.SendBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	eventBus, err := bus.GetEventBus("notification", config.Bus.QueueDepth, config.Bus.Workers)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	if _, err := bridge.RegisterProgressRelay(eventBus, registry); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register progress relay")
		return err
	}

	if err := eventBus.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event bus")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestPushHandler(
		localCtxt, registry, eventBus, &config.Server.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Subscription
	_ = apis.RegisterPathPrefix(
		mainRouter,
		"/v1/sse/subscribe/{channel}/{subscriberId}",
		map[string]http.HandlerFunc{
			"get":    httpHandler.SubscribeHandler(),
			"delete": httpHandler.UnsubscribeHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter,
		"/v1/sse/exists/{channel}/{subscriberId}",
		map[string]http.HandlerFunc{
			"get": httpHandler.ExistsHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/sse/statistics", map[string]http.HandlerFunc{
			"get": httpHandler.StatisticsHandler(),
		},
	)

	// Producer ingress
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/event/progress", map[string]http.HandlerFunc{
			"post": httpHandler.PublishProgressHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.Server.HTTPSetting.Server.ListenOn, config.Server.HTTPSetting.Server.Port,
	)
	// No write timeout; push streams stay open until the subscription closes
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.Server.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.Server.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// -------------------------------------------------------------------
	// Periodic connection statistics reporting

	statsTimer, err := common.GetIntervalTimerInstance("registry-stats", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define statistics timer")
		return err
	}
	statsInterval := time.Second * time.Duration(config.Push.StatsReportInterval)
	err = statsTimer.Start(statsInterval, func() error {
		stats := registry.Statistics()
		log.WithFields(logTags).WithFields(log.Fields{
			"total_open":        stats.TotalOpen,
			"by_channel":        stats.ByChannel,
			"oldest_age_millis": stats.OldestAgeMillis,
		}).Info("Connection registry statistics")
		return nil
	}, false)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start statistics timer")
		return err
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the notification core
	_ = statsTimer.Stop()
	if err := eventBus.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during event bus shutdown")
	}
	registry.CloseAll()

	return nil
}
