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

import "fmt"

// Channel a named logical topic partitioning the subscription keyspace
type Channel string

// The closed set of registered channels. Adding a new feature area means adding
// a new entry here, never creating a second registry.
const (
	ChannelItemExport      Channel = "item-export"
	ChannelItemImport      Channel = "item-import"
	ChannelItemReserve     Channel = "item-reserve"
	ChannelRichMenuPublish Channel = "richmenu-publish"
	ChannelOrderPayment    Channel = "order-payment"
)

// ErrUnknownChannel returned when subscribing against an unregistered channel
var ErrUnknownChannel = fmt.Errorf("unknown notification channel")

// ChannelCatalog the closed enumeration of channels accepted by the registry
type ChannelCatalog struct {
	known map[Channel]bool
}

// DefaultChannelCatalog define the catalog covering all registered channels
func DefaultChannelCatalog() ChannelCatalog {
	return NewChannelCatalog(
		ChannelItemExport,
		ChannelItemImport,
		ChannelItemReserve,
		ChannelRichMenuPublish,
		ChannelOrderPayment,
	)
}

// NewChannelCatalog define a catalog from an explicit channel set
func NewChannelCatalog(channels ...Channel) ChannelCatalog {
	known := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		known[c] = true
	}
	return ChannelCatalog{known: known}
}

// Valid whether the channel is a member of the catalog
func (c ChannelCatalog) Valid(channel Channel) bool {
	return c.known[channel]
}

// Channels list the catalog members
func (c ChannelCatalog) Channels() []Channel {
	result := make([]Channel, 0, len(c.known))
	for channel := range c.known {
		result = append(result, channel)
	}
	return result
}
