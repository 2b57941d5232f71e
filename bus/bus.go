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

// Package bus implements the in-process event bus decoupling business logic
// from the notification delivery path. Publishing hands the event to a bounded
// queue and returns immediately; a fixed pool of workers runs the registered
// handlers asynchronously.
package bus

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/apex/log"
	"github.com/chengft/ssehub/common"
)

// Handler a handler function processing one published event
type Handler func(event interface{}) error

// Keyed events carrying a routing key. All events with the same key are
// processed by the same worker, preserving their publish order end to end.
type Keyed interface {
	EventKey() string
}

// EventBus typed publish / subscribe with asynchronous delivery
type EventBus interface {
	// SubscribeTo register a handler for one event type. Must be called before
	// StartEventLoop.
	SubscribeTo(eventType reflect.Type, handler Handler) error
	// Publish hand one event to the bus without blocking. Returns false if the
	// bus queue is full or the bus is not running; the event is then dropped.
	Publish(event interface{}) bool
	// StartEventLoop start the routing loop and the worker pool
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the routing loop and the worker pool
	StopEventLoop() error
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	name     string
	lock     sync.Mutex
	started  bool
	done     chan struct{}
	stop     sync.Once
	input    chan interface{}
	workers  []chan interface{}
	routeIdx int
	handlers map[reflect.Type][]Handler
}

// GetEventBus define a new event bus with a bounded publish queue and a fixed
// worker pool
func GetEventBus(name string, queueDepth int, workerCount int) (EventBus, error) {
	if queueDepth < 1 || workerCount < 1 {
		return nil, fmt.Errorf("event bus requires at least one worker and a non-empty queue")
	}
	logTags := log.Fields{
		"module": "bus", "component": fmt.Sprintf("event-bus/%s", name),
	}
	workers := make([]chan interface{}, workerCount)
	for itr := 0; itr < workerCount; itr++ {
		workers[itr] = make(chan interface{}, queueDepth)
	}
	return &eventBusImpl{
		Component: common.Component{LogTags: logTags},
		name:      name,
		done:      make(chan struct{}),
		input:     make(chan interface{}, queueDepth),
		workers:   workers,
		handlers:  make(map[reflect.Type][]Handler),
	}, nil
}

// SubscribeTo register a handler for one event type
func (b *eventBusImpl) SubscribeTo(eventType reflect.Type, handler Handler) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.started {
		return fmt.Errorf("[BUS %s] can not register handlers once started", b.name)
	}
	log.WithFields(b.LogTags).Debugf("Registering handler for %s", eventType)
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Publish hand one event to the bus without blocking
func (b *eventBusImpl) Publish(event interface{}) bool {
	// Checked on its own first; a stopped bus with queue capacity left must not
	// accept events no worker will drain
	select {
	case <-b.done:
		log.WithFields(b.LogTags).Warnf(
			"Dropping %s event, bus is stopped", reflect.TypeOf(event),
		)
		return false
	default:
	}
	select {
	case b.input <- event:
		return true
	default:
		// Fire-and-forget: a saturated notification pipeline must never stall the
		// publishing business thread
		log.WithFields(b.LogTags).Warnf(
			"Dropping %s event, publish queue is full", reflect.TypeOf(event),
		)
		return false
	}
}

// StartEventLoop start the routing loop and the worker pool
func (b *eventBusImpl) StartEventLoop(wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.started {
		return fmt.Errorf("[BUS %s] already started", b.name)
	}
	b.started = true
	log.WithFields(b.LogTags).Infof("Starting with %d workers", len(b.workers))

	// Worker loops
	for itr, workerChan := range b.workers {
		wg.Add(1)
		go func(workerID int, incoming chan interface{}) {
			defer wg.Done()
			defer log.WithFields(b.LogTags).Debugf("Worker %d exiting", workerID)
			for {
				select {
				case <-b.done:
					return
				case event := <-incoming:
					b.process(event)
				}
			}
		}(itr, workerChan)
	}

	// Routing loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(b.LogTags).Debug("Routing loop exiting")
		for {
			select {
			case <-b.done:
				return
			case event := <-b.input:
				b.route(event)
			}
		}
	}()
	return nil
}

// route select a worker for the event. Keyed events always map to the same
// worker; others round-robin.
func (b *eventBusImpl) route(event interface{}) {
	idx := b.routeIdx
	if keyed, ok := event.(Keyed); ok {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(keyed.EventKey()))
		idx = int(hasher.Sum32()) % len(b.workers)
	} else {
		b.routeIdx = (b.routeIdx + 1) % len(b.workers)
	}
	select {
	case b.workers[idx] <- event:
	case <-b.done:
	}
}

// process run every registered handler for the event's type
func (b *eventBusImpl) process(event interface{}) {
	b.lock.Lock()
	handlers := b.handlers[reflect.TypeOf(event)]
	b.lock.Unlock()
	if len(handlers) == 0 {
		log.WithFields(b.LogTags).Warnf("No handler registered for %s", reflect.TypeOf(event))
		return
	}
	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

// invoke run one handler, absorbing errors and panics. A listener fault must
// never travel back to the publishing business logic.
func (b *eventBusImpl) invoke(handler Handler, event interface{}) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithFields(b.LogTags).Errorf(
				"Handler panic while processing %s: %v", reflect.TypeOf(event), recovered,
			)
		}
	}()
	if err := handler(event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Handler failed to process %s", reflect.TypeOf(event),
		)
	}
}

// StopEventLoop stop the routing loop and the worker pool
func (b *eventBusImpl) StopEventLoop() error {
	b.stop.Do(func() {
		log.WithFields(b.LogTags).Info("Stopping event loops")
		close(b.done)
	})
	return nil
}
