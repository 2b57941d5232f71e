package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/chengft/ssehub/bus"
	"github.com/chengft/ssehub/common"
	"github.com/chengft/ssehub/events"
	"github.com/chengft/ssehub/sse"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// defineTestRouter assemble the handler and its REST routes for unit testing
func defineTestRouter(
	t *testing.T, ctxt context.Context, registry sse.ConnectionRegistry, eventBus bus.EventBus,
) *mux.Router {
	t.Helper()
	assert := assert.New(t)

	uut, err := GetAPIRestPushHandler(ctxt, registry, eventBus, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Ssehub-Request-ID"},
	})
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(
		router,
		"/v1/sse/subscribe/{channel}/{subscriberId}",
		map[string]http.HandlerFunc{
			"get":    uut.SubscribeHandler(),
			"delete": uut.UnsubscribeHandler(),
		},
	)
	_ = RegisterPathPrefix(
		router,
		"/v1/sse/exists/{channel}/{subscriberId}",
		map[string]http.HandlerFunc{"get": uut.ExistsHandler()},
	)
	_ = RegisterPathPrefix(
		router, "/v1/sse/statistics", map[string]http.HandlerFunc{"get": uut.StatisticsHandler()},
	)
	_ = RegisterPathPrefix(
		router, "/v1/event/progress", map[string]http.HandlerFunc{"post": uut.PublishProgressHandler()},
	)
	_ = RegisterPathPrefix(
		router, "/alive", map[string]http.HandlerFunc{"get": uut.AliveHandler()},
	)
	_ = RegisterPathPrefix(
		router, "/ready", map[string]http.HandlerFunc{"get": uut.ReadyHandler()},
	)
	return router
}

func TestPushSubscriptionManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := sse.GetConnectionRegistry(sse.DefaultChannelCatalog(), time.Minute, 16)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", 16, 1)
	assert.Nil(err)
	router := defineTestRouter(t, utCtxt, registry, eventBus)

	// Case 0: check alive and ready
	{
		for _, path := range []string{"/alive", "/ready"} {
			req, err := http.NewRequest("GET", path, nil)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
			assert.Equal("application/json", respRecorder.Header().Get("content-type"))
		}
	}

	// Case 1: exists on an unknown key
	{
		req, err := http.NewRequest("GET", "/v1/sse/exists/item-export/task-42", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespExists
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.False(resp.Exists)
	}

	// Case 2: subscribe against an unknown channel
	{
		req, err := http.NewRequest("GET", "/v1/sse/subscribe/made-up-channel/task-42", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var resp StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.False(resp.Success)
	}

	// Case 3: malformed timeout parameter
	{
		req, err := http.NewRequest(
			"GET", "/v1/sse/subscribe/item-export/task-42?timeoutMillis=banana", nil,
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: unsubscribe with no live subscription still succeeds
	{
		req, err := http.NewRequest("DELETE", "/v1/sse/subscribe/item-export/task-42", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
	}
}

func TestPushSubscribeStream(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := sse.GetConnectionRegistry(sse.DefaultChannelCatalog(), time.Minute, 16)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", 16, 1)
	assert.Nil(err)
	router := defineTestRouter(t, utCtxt, registry, eventBus)

	req, err := http.NewRequest("GET", "/v1/sse/subscribe/item-export/task-42", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()

	handlerReturned := sync.WaitGroup{}
	handlerReturned.Add(1)
	go func() {
		defer handlerReturned.Done()
		router.ServeHTTP(respRecorder, req)
	}()

	// Wait for the subscription to land in the registry
	established := false
	for itr := 0; itr < 100; itr++ {
		if registry.Exists(sse.ChannelItemExport, "task-42") {
			established = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(established)

	// A terminal notification ends the stream
	registry.Send(sse.ChannelItemExport, "task-42", sse.NewSuccessEnvelope("export complete", nil))
	handlerReturned.Wait()

	assert.Equal(http.StatusOK, respRecorder.Code)
	assert.Equal("text/event-stream", respRecorder.Header().Get("Content-Type"))
	streamed := respRecorder.Body.String()
	assert.Contains(streamed, "event: connected\n")
	assert.Contains(streamed, "event: success\n")
	assert.Contains(streamed, "export complete")
	assert.False(registry.Exists(sse.ChannelItemExport, "task-42"))
}

func TestPushStatistics(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := sse.GetConnectionRegistry(sse.DefaultChannelCatalog(), time.Minute, 16)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", 16, 1)
	assert.Nil(err)
	router := defineTestRouter(t, utCtxt, registry, eventBus)

	_, err = registry.Subscribe(sse.ChannelItemExport, "task-1", 0)
	assert.Nil(err)
	_, err = registry.Subscribe(sse.ChannelItemImport, "task-2", 0)
	assert.Nil(err)

	req, err := http.NewRequest("GET", "/v1/sse/statistics", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)

	var resp APIRestRespStatistics
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
	assert.True(resp.Success)
	assert.Equal(2, resp.TotalOpen)
	assert.Equal(1, resp.ByChannel[sse.ChannelItemExport])
	assert.Equal(1, resp.ByChannel[sse.ChannelItemImport])
}

func TestPushProgressIngress(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := sse.GetConnectionRegistry(sse.DefaultChannelCatalog(), time.Minute, 16)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", 16, 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(eventBus.StopEventLoop())
	}()

	testWG := sync.WaitGroup{}
	lock := sync.Mutex{}
	received := []events.TaskProgress{}
	assert.Nil(eventBus.SubscribeTo(
		reflect.TypeOf(events.TaskProgress{}), func(event interface{}) error {
			defer testWG.Done()
			lock.Lock()
			defer lock.Unlock()
			received = append(received, event.(events.TaskProgress))
			return nil
		},
	))
	assert.Nil(eventBus.StartEventLoop(&wg))

	router := defineTestRouter(t, utCtxt, registry, eventBus)

	// Case 0: valid event is accepted and published
	{
		body, err := json.Marshal(APIRestReqProgressEvent{
			Channel:      string(sse.ChannelItemExport),
			SubscriberID: "task-42",
			Progress:     55,
			Stage:        "exporting",
			Message:      "55 of 100",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/event/progress", bytes.NewReader(body))
		assert.Nil(err)
		testWG.Add(1)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		testWG.Wait()
		lock.Lock()
		assert.Len(received, 1)
		assert.Equal("task-42", received[0].TaskID)
		assert.Equal(55, received[0].Progress)
		lock.Unlock()
	}

	// Case 1: missing subscriber ID is rejected
	{
		req, err := http.NewRequest(
			"POST", "/v1/event/progress", bytes.NewReader([]byte(`{"progress": 10}`)),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 2: progress below -1 is rejected
	{
		req, err := http.NewRequest(
			"POST", "/v1/event/progress",
			bytes.NewReader([]byte(`{"subscriber_id": "task-42", "progress": -5}`)),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 3: unparsable body is rejected
	{
		req, err := http.NewRequest(
			"POST", "/v1/event/progress", bytes.NewReader([]byte("not json")),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}
}

func TestPushRequestIDPropagation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := sse.GetConnectionRegistry(sse.DefaultChannelCatalog(), time.Minute, 16)
	assert.Nil(err)
	eventBus, err := bus.GetEventBus("testing", 16, 1)
	assert.Nil(err)
	router := defineTestRouter(t, utCtxt, registry, eventBus)

	// A caller-provided request ID is echoed in the response
	req, err := http.NewRequest("GET", "/v1/sse/exists/item-export/task-42", nil)
	assert.Nil(err)
	req.Header.Set("Ssehub-Request-ID", "req-id-123")
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	assert.Equal("req-id-123", respRecorder.Header().Get("Ssehub-Request-ID"))

	var resp APIRestRespExists
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
	assert.Equal("req-id-123", resp.RequestID)
}
