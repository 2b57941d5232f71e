package bus

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type testEventA struct {
	Value int
}

type testEventB struct {
	Value string
}

type testKeyedEvent struct {
	Key string
	Seq int
}

func (e testKeyedEvent) EventKey() string {
	return e.Key
}

func TestEventBusDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	uut, err := GetEventBus("testing", 16, 3)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	testWG := sync.WaitGroup{}
	seenA := 0
	seenB := 0
	lock := sync.Mutex{}
	assert.Nil(uut.SubscribeTo(reflect.TypeOf(testEventA{}), func(event interface{}) error {
		defer testWG.Done()
		lock.Lock()
		defer lock.Unlock()
		seenA += event.(testEventA).Value
		return nil
	}))
	assert.Nil(uut.SubscribeTo(reflect.TypeOf(testEventB{}), func(event interface{}) error {
		defer testWG.Done()
		lock.Lock()
		defer lock.Unlock()
		seenB++
		return nil
	}))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: handlers can no longer be registered
	{
		assert.NotNil(uut.SubscribeTo(reflect.TypeOf(testEventB{}), func(interface{}) error {
			return nil
		}))
	}

	// Case 1: events route to the handler of their type
	{
		testWG.Add(3)
		assert.True(uut.Publish(testEventA{Value: 1}))
		assert.True(uut.Publish(testEventA{Value: 2}))
		assert.True(uut.Publish(testEventB{Value: "hello"}))
		testWG.Wait()
		lock.Lock()
		assert.Equal(3, seenA)
		assert.Equal(1, seenB)
		lock.Unlock()
	}

	// Case 2: starting twice is rejected
	{
		assert.NotNil(uut.StartEventLoop(&wg))
	}
}

func TestEventBusKeyedOrdering(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	uut, err := GetEventBus("testing", 64, 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	const perKey = 16
	testWG := sync.WaitGroup{}
	lock := sync.Mutex{}
	observed := map[string][]int{}
	assert.Nil(uut.SubscribeTo(reflect.TypeOf(testKeyedEvent{}), func(event interface{}) error {
		defer testWG.Done()
		keyed := event.(testKeyedEvent)
		lock.Lock()
		defer lock.Unlock()
		observed[keyed.Key] = append(observed[keyed.Key], keyed.Seq)
		return nil
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	keys := []string{"task-1", "task-2", "task-3"}
	testWG.Add(perKey * len(keys))
	for itr := 0; itr < perKey; itr++ {
		for _, key := range keys {
			assert.True(uut.Publish(testKeyedEvent{Key: key, Seq: itr}))
		}
	}
	testWG.Wait()

	// Events sharing a key always land on the same worker, so per-key publish
	// order survives end to end
	lock.Lock()
	defer lock.Unlock()
	for _, key := range keys {
		assert.Len(observed[key], perKey)
		for itr, seq := range observed[key] {
			assert.Equal(itr, seq)
		}
	}
}

func TestEventBusOverflow(t *testing.T) {
	assert := assert.New(t)

	// One-slot queue, routing loop not yet started
	uut, err := GetEventBus("testing", 1, 1)
	assert.Nil(err)

	assert.True(uut.Publish(testEventA{Value: 1}))
	// Queue is saturated; publish returns instead of blocking
	assert.False(uut.Publish(testEventA{Value: 2}))

	// Case: publish after stop is refused
	assert.Nil(uut.StopEventLoop())
	assert.False(uut.Publish(testEventA{Value: 3}))
}

func TestEventBusPublishAfterStop(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetEventBus("testing", 16, 2)
	assert.Nil(err)
	assert.Nil(uut.StopEventLoop())

	// The queue has room, but nothing will ever drain it; every publish against
	// the stopped bus must report the drop
	for itr := 0; itr < 8; itr++ {
		assert.False(uut.Publish(testEventA{Value: itr}))
	}
}

func TestEventBusHandlerFaultIsolation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	uut, err := GetEventBus("testing", 16, 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	testWG := sync.WaitGroup{}
	processed := 0
	lock := sync.Mutex{}
	assert.Nil(uut.SubscribeTo(reflect.TypeOf(testEventA{}), func(event interface{}) error {
		defer testWG.Done()
		if event.(testEventA).Value < 0 {
			panic("simulated handler fault")
		}
		lock.Lock()
		defer lock.Unlock()
		processed++
		return nil
	}))
	assert.Nil(uut.SubscribeTo(reflect.TypeOf(testEventB{}), func(event interface{}) error {
		defer testWG.Done()
		return fmt.Errorf("simulated handler error")
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// A panicking or failing handler must not take the worker down
	testWG.Add(3)
	assert.True(uut.Publish(testEventA{Value: -1}))
	assert.True(uut.Publish(testEventB{Value: "boom"}))
	assert.True(uut.Publish(testEventA{Value: 1}))
	testWG.Wait()

	lock.Lock()
	assert.Equal(1, processed)
	lock.Unlock()
}

func TestEventBusUnhandledEvent(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	uut, err := GetEventBus("testing", 16, 1)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(uut.StartEventLoop(&wg))

	// Nothing subscribed; the event is accepted and dropped by the worker
	assert.True(uut.Publish(testEventA{Value: 1}))
	time.Sleep(50 * time.Millisecond)
}
