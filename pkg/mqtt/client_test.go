// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	mu        sync.Mutex
	connected bool
	published []Message
	subs      map[string]Handler

	failPublishAfter int // fail publishes once this many have succeeded, -1 disables
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{subs: map[string]Handler{}, failPublishAfter: -1}
}

func (f *fakeConnection) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeConnection) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConnection) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	if f.failPublishAfter >= 0 && len(f.published) >= f.failPublishAfter {
		return errors.New("broker rejected publish")
	}
	f.published = append(f.published, Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeConnection) Subscribe(filter string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[filter] = h
	return nil
}

func (f *fakeConnection) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnection) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, m := range f.published {
		out[i] = m.Topic
	}
	return out
}

func newFakeClient(queueSize int) (*Client, *fakeConnection) {
	conn := newFakeConnection()
	c := newClient(Options{BrokerURL: "tcp://fake:1883", QueueSize: queueSize})
	c.conn = conn
	return c, conn
}

func TestPublishQueuedWhileDisconnectedFlushesFIFO(t *testing.T) {
	c, conn := newFakeClient(10)

	require.NoError(t, c.PublishQueued("t/1", []byte("a")))
	require.NoError(t, c.PublishQueued("t/2", []byte("b")))
	require.NoError(t, c.PublishQueued("t/3", []byte("c")))
	assert.Equal(t, 3, c.QueuedMessages())
	assert.Empty(t, conn.topics())

	require.NoError(t, conn.Connect())
	c.onConnected()

	assert.Equal(t, []string{"t/1", "t/2", "t/3"}, conn.topics())
	assert.Zero(t, c.QueuedMessages())
}

func TestFlushFailureRequeuesAtHead(t *testing.T) {
	c, conn := newFakeClient(10)
	for i := 1; i <= 3; i++ {
		require.NoError(t, c.PublishQueued(fmt.Sprintf("t/%d", i), []byte("x")))
	}

	require.NoError(t, conn.Connect())
	conn.failPublishAfter = 1 // first flush delivers one message, then fails
	c.onConnected()

	assert.Equal(t, []string{"t/1"}, conn.topics())
	assert.Equal(t, 2, c.QueuedMessages())

	// Next connect drains the rest in order.
	conn.failPublishAfter = -1
	c.onConnected()
	assert.Equal(t, []string{"t/1", "t/2", "t/3"}, conn.topics())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	c, conn := newFakeClient(3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, c.PublishQueued(fmt.Sprintf("t/%d", i), []byte("x")))
	}
	assert.Equal(t, 3, c.QueuedMessages())

	require.NoError(t, conn.Connect())
	c.onConnected()
	assert.Equal(t, []string{"t/3", "t/4", "t/5"}, conn.topics())
}

func TestUnqueuedPublishFailsWhileDisconnected(t *testing.T) {
	c, _ := newFakeClient(10)
	err := c.Publish("t/1", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, c.QueuedMessages(), "unqueued publishes never queue")
}

func TestSubscriptionsReplayedOnReconnect(t *testing.T) {
	c, conn := newFakeClient(10)
	require.NoError(t, c.Subscribe("iot/device/u-1/jobs/+", func(string, []byte) {}))
	require.NoError(t, c.Subscribe("iot/device/u-1/agent/update", func(string, []byte) {}))

	require.NoError(t, conn.Connect())
	c.onConnected()

	assert.Contains(t, conn.subs, "iot/device/u-1/jobs/+")
	assert.Contains(t, conn.subs, "iot/device/u-1/agent/update")
}

func TestRouterDispatchAndIsolation(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Add("iot/device/+/jobs/#", func(topic string, _ []byte) {
		got = append(got, "wild:"+topic)
	})
	r.Add("iot/device/u-1/jobs/42", func(topic string, _ []byte) {
		got = append(got, "exact:"+topic)
	})
	r.Add("iot/device/u-1/jobs/42", func(string, []byte) {
		panic("handler bug")
	})

	r.Dispatch("iot/device/u-1/jobs/42", nil)
	assert.Equal(t, []string{
		"wild:iot/device/u-1/jobs/42",
		"exact:iot/device/u-1/jobs/42",
	}, got, "overlapping filters each fire, panics are isolated")
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c/d", true},
		{"#", "anything/at/all", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"+/b", "a/b", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatches(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}
}
