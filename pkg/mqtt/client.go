// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mqtt wraps the paho client with the semantics the agent needs:
// a bounded queue-on-disconnect, serialized reconnects and a wildcard topic
// router. The coordinator owns the single Client; nothing else constructs
// one.
package mqtt

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/cihub/seelog"
)

// ErrNotConnected is returned by unqueued publishes while offline.
var ErrNotConnected = errors.New("mqtt client not connected")

// DefaultQueueSize bounds the offline queue; the oldest message is dropped
// on overflow.
const DefaultQueueSize = 1000

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// connection is the transport beneath the client. The paho adapter is the
// real one; tests substitute a fake.
type connection interface {
	Connect() error
	Disconnect()
	Publish(topic string, payload []byte) error
	Subscribe(filter string, h Handler) error
	IsConnected() bool
}

// Message is one queued publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Options configure the client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// CACertPath points at a PEM CA bundle for broker verification.
	CACertPath string
	// VerifyCertificate, when false, skips broker certificate checks.
	VerifyCertificate bool
	QueueSize         int
	ConnectTimeout    time.Duration
}

// Client is the process-wide MQTT client.
type Client struct {
	conn   connection
	router *Router
	opts   Options

	mu    sync.Mutex
	queue []Message

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewClient builds a client backed by paho. It does not connect; call Start.
func NewClient(opts Options) *Client {
	c := newClient(opts)
	c.conn = newPahoConnection(opts, c.onMessage, c.onConnectionLost)
	return c
}

func newClient(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		router: NewRouter(),
		opts:   opts,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection manager. Reconnect attempts are strictly
// serialized: the next attempt is scheduled only after the current one
// finishes.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.manageConnection()
		c.requestReconnect()
	})
}

// Stop disconnects and terminates the connection manager.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		if c.conn.IsConnected() {
			c.conn.Disconnect()
		}
	})
}

// IsConnected reports broker connectivity.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Publish sends without queueing. Callers use it when an alternative channel
// exists and a stale message would be worse than a lost one.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.Publish(topic, payload)
}

// PublishQueued sends, or queues when offline or on failure. The queue is
// bounded; the oldest message is dropped on overflow.
func (c *Client) PublishQueued(topic string, payload []byte) error {
	if c.conn.IsConnected() {
		if err := c.conn.Publish(topic, payload); err == nil {
			return nil
		} else {
			log.Debugf("Publish to %s failed, queueing: %v", topic, err)
		}
	}
	c.enqueue(Message{Topic: topic, Payload: payload})
	return nil
}

// Subscribe registers a handler for a topic filter. The subscription is
// replayed on every reconnect.
func (c *Client) Subscribe(filter string, h Handler) error {
	c.router.Add(filter, h)
	if c.conn.IsConnected() {
		return c.conn.Subscribe(filter, c.onMessage)
	}
	return nil
}

// QueuedMessages reports the offline queue depth.
func (c *Client) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) enqueue(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.opts.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		log.Warnf("MQTT queue full (%d), dropping oldest message for %s", c.opts.QueueSize, dropped.Topic)
	}
	c.queue = append(c.queue, m)
}

// flushQueue drains the offline queue in FIFO order. A failed publish puts
// the message back at the head and stops the flush; the remaining messages
// keep their order for the next attempt.
func (c *Client) flushQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.conn.Publish(head.Topic, head.Payload); err != nil {
			c.mu.Lock()
			c.queue = append([]Message{head}, c.queue...)
			c.mu.Unlock()
			log.Debugf("Queue flush stopped at %s: %v", head.Topic, err)
			return
		}
	}
}

func (c *Client) onMessage(topic string, payload []byte) {
	c.router.Dispatch(topic, payload)
}

func (c *Client) onConnectionLost(err error) {
	log.Warnf("MQTT connection lost: %v", err)
	c.requestReconnect()
}

func (c *Client) requestReconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// onConnected replays subscriptions and flushes the offline queue.
func (c *Client) onConnected() {
	for _, filter := range c.router.Filters() {
		if err := c.conn.Subscribe(filter, c.onMessage); err != nil {
			log.Warnf("Resubscribe to %s failed: %v", filter, err)
		}
	}
	c.flushQueue()
}

func (c *Client) manageConnection() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}
		if c.conn.IsConnected() {
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = reconnectBase
		b.MaxInterval = reconnectCap
		b.MaxElapsedTime = 0
		b.Reset()

		for {
			err := c.conn.Connect()
			if err == nil {
				log.Infof("Connected to MQTT broker %s", c.opts.BrokerURL)
				c.onConnected()
				break
			}
			delay := b.NextBackOff()
			log.Warnf("MQTT connect to %s failed, retrying in %s: %v", c.opts.BrokerURL, delay, err)
			select {
			case <-c.stop:
				return
			case <-time.After(delay):
			}
		}
	}
}
