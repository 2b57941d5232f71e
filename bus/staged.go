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

package bus

import (
	"sync"

	"github.com/apex/log"
)

// StagedPublisher buffers events for one transactional unit of work.
//
// Business logic running inside a database transaction must not publish
// directly: an event observed by a subscriber before the transaction commits
// can announce work that is later rolled back. Instead events are staged, and
// flushed to the bus only on Commit. Discard drops the whole batch.
type StagedPublisher struct {
	bus      EventBus
	mu       sync.Mutex
	pending  []interface{}
	finished bool
}

// Staged define a staged publisher bound to the bus
func Staged(target EventBus) *StagedPublisher {
	return &StagedPublisher{bus: target}
}

// Stage buffer one event until Commit. Staging after Commit or Discard is a
// logged no-op.
func (p *StagedPublisher) Stage(event interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		log.Warn("Staged publisher already finished, dropping event")
		return
	}
	p.pending = append(p.pending, event)
}

// Commit flush all staged events to the bus in staging order. Returns the
// number of events accepted by the bus. Idempotent.
func (p *StagedPublisher) Commit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return 0
	}
	p.finished = true
	published := 0
	for _, event := range p.pending {
		if p.bus.Publish(event) {
			published++
		}
	}
	p.pending = nil
	return published
}

// Discard drop all staged events. Called when the unit of work rolls back.
// Idempotent.
func (p *StagedPublisher) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if len(p.pending) > 0 {
		log.Debugf("Discarding %d staged events on rollback", len(p.pending))
	}
	p.pending = nil
}
