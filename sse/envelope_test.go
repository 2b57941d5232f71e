package sse

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeKinds(t *testing.T) {
	assert := assert.New(t)

	// Case 0: progress is not terminal
	{
		uut := NewProgressEnvelope("exporting", 40, "processed 40 of 100")
		assert.Equal(KindProgress, uut.EventName)
		assert.Equal("exporting", uut.Stage)
		assert.Equal(40, uut.Progress)
		assert.False(uut.Terminal())
	}

	// Case 1: success is terminal and carries the result payload
	{
		uut := NewSuccessEnvelope("export complete", map[string]string{"file": "items.xlsx"})
		assert.Equal(KindSuccess, uut.EventName)
		assert.Equal(100, uut.Progress)
		assert.True(uut.Terminal())
		assert.NotNil(uut.Data)
	}

	// Case 2: error is terminal
	{
		uut := NewErrorEnvelope("export failed")
		assert.Equal(KindError, uut.EventName)
		assert.True(uut.Terminal())
	}

	// Case 3: the greeting is not terminal
	{
		uut := newConnectedEnvelope("connection established")
		assert.Equal(KindConnected, uut.EventName)
		assert.False(uut.Terminal())
	}
}

func TestEnvelopeFraming(t *testing.T) {
	assert := assert.New(t)

	uut := NewProgressEnvelope("uploading", 75, "almost there")
	frame, err := uut.frame()
	assert.Nil(err)

	asText := string(frame)
	assert.True(strings.HasPrefix(asText, "event: progress\ndata: "))
	assert.True(strings.HasSuffix(asText, "\n\n"))

	// The data line must round-trip as the camelCase wire format
	dataLine := strings.TrimSuffix(strings.SplitN(asText, "data: ", 2)[1], "\n\n")
	var parsed map[string]interface{}
	assert.Nil(json.Unmarshal([]byte(dataLine), &parsed))
	assert.Equal("progress", parsed["eventName"])
	assert.Equal("uploading", parsed["stage"])
	assert.Equal(float64(75), parsed["progress"])
	assert.Equal("almost there", parsed["message"])
	assert.Contains(parsed, "timestamp")
	// Data is omitted when empty
	assert.NotContains(parsed, "data")
}

func TestChannelCatalog(t *testing.T) {
	assert := assert.New(t)

	// Case 0: default catalog covers all registered channels
	{
		uut := DefaultChannelCatalog()
		assert.True(uut.Valid(ChannelItemExport))
		assert.True(uut.Valid(ChannelItemImport))
		assert.True(uut.Valid(ChannelItemReserve))
		assert.True(uut.Valid(ChannelRichMenuPublish))
		assert.True(uut.Valid(ChannelOrderPayment))
		assert.False(uut.Valid(Channel("made-up-channel")))
		assert.Len(uut.Channels(), 5)
	}

	// Case 1: explicit catalog only accepts its members
	{
		uut := NewChannelCatalog(ChannelItemExport)
		assert.True(uut.Valid(ChannelItemExport))
		assert.False(uut.Valid(ChannelItemImport))
		assert.Len(uut.Channels(), 1)
	}
}
