// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/cihub/seelog"
	"github.com/goburrow/modbus"
)

const (
	historySize = 100

	// Communication quality thresholds over the poll history.
	qualityGoodRatio     = 0.95
	qualityDegradedRatio = 0.75

	busyRetries    = 3
	busyRetryDelay = 100 * time.Millisecond

	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 60 * time.Second

	keepAliveInterval = 30 * time.Second
)

// Communication quality levels.
const (
	QualityLevelGood     = "good"
	QualityLevelDegraded = "degraded"
	QualityLevelPoor     = "poor"
	QualityLevelOffline  = "offline"
)

// ReadError classifies a failed channel read with the symbolic quality code
// carried by the resulting BAD frame.
type ReadError struct {
	Code string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// timeNow and sleep are swapped out by tests.
var (
	timeNow = time.Now
	sleep   = time.Sleep
)

// Channel serializes every read on one modbus connection. The underlying
// protocol cannot service concurrent requests, so all access goes through
// the channel mutex; waiters are served in FIFO-fair order by the Go
// runtime's mutex starvation mode.
type Channel struct {
	name        string
	transport   Transport
	readTimeout time.Duration

	mu           sync.Mutex
	connected    bool
	reconnectAt  time.Time
	backoffDelay time.Duration
	lastActivity time.Time

	history    [historySize]bool
	historyPos int
	historyLen int
}

// NewChannel wraps a transport. readTimeout bounds every read externally:
// the library may hang indefinitely on physical faults.
func NewChannel(name string, t Transport, readTimeout time.Duration) *Channel {
	return &Channel{
		name:         name,
		transport:    t,
		readTimeout:  readTimeout,
		backoffDelay: reconnectBaseDelay,
	}
}

// Read performs one serialized register read. Exception codes 5 and 6 are
// retried up to 3 times with a short delay; fatal transport errors mark the
// channel disconnected and schedule a reconnect.
func (c *Channel) Read(functionCode string, address, quantity uint16) ([]byte, error) {
	return c.read(functionCode, address, quantity, true)
}

// read is the serialized read path. record controls whether the outcome
// enters the poll history: keep-alive probes stay out of it, their target
// register may legitimately not exist on the device.
func (c *Channel) read(functionCode string, address, quantity uint16, record bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(); err != nil {
		if record {
			c.recordLocked(false)
		}
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			sleep(busyRetryDelay)
		}
		raw, err := c.readWithTimeout(functionCode, address, quantity)
		if err == nil {
			if record {
				c.recordLocked(true)
			}
			c.lastActivity = timeNow()
			return raw, nil
		}
		lastErr = err
		if !isBusyException(err) {
			break
		}
		log.Debugf("Channel %s: device busy at %d, retry %d/%d", c.name, address, attempt+1, busyRetries)
	}

	// An exception reply still proves the device is alive on the wire.
	var mbErr *modbus.ModbusError
	if errors.As(lastErr, &mbErr) {
		c.lastActivity = timeNow()
	}

	if record {
		c.recordLocked(false)
	}
	return nil, c.classifyLocked(lastErr)
}

// readWithTimeout runs the transport read under an external timer. A read
// that outlives the timer leaves its goroutine to finish in the background;
// the buffered channel keeps it from leaking.
func (c *Channel) readWithTimeout(functionCode string, address, quantity uint16) ([]byte, error) {
	type result struct {
		raw []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		var raw []byte
		var err error
		if functionCode == "input" {
			raw, err = c.transport.ReadInputRegisters(address, quantity)
		} else {
			raw, err = c.transport.ReadHoldingRegisters(address, quantity)
		}
		resCh <- result{raw, err}
	}()

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()
	select {
	case res := <-resCh:
		return res.raw, res.err
	case <-timer.C:
		return nil, &ReadError{Code: CodeTimeout, Err: fmt.Errorf("read of %d@%d timed out after %s", quantity, address, c.readTimeout)}
	}
}

func (c *Channel) ensureConnectedLocked() error {
	if c.connected {
		return nil
	}
	if timeNow().Before(c.reconnectAt) {
		return &ReadError{Code: CodeDeviceOffline, Err: fmt.Errorf("channel %s reconnect pending until %s", c.name, c.reconnectAt.Format(time.RFC3339))}
	}
	if err := c.transport.Connect(); err != nil {
		c.scheduleReconnectLocked()
		return &ReadError{Code: CodeDeviceOffline, Err: err}
	}
	c.connected = true
	c.backoffDelay = reconnectBaseDelay
	c.lastActivity = timeNow()
	log.Infof("Channel %s connected", c.name)
	return nil
}

// classifyLocked maps an error to a ReadError and handles fatal transport
// faults by dropping the connection.
func (c *Channel) classifyLocked(err error) error {
	var re *ReadError
	if errors.As(err, &re) {
		return re
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		switch mbErr.ExceptionCode {
		case 2: // illegal data address
			return &ReadError{Code: CodeIllegalAddress, Err: err}
		case 5, 6:
			return &ReadError{Code: CodeDeviceBusy, Err: err}
		default:
			return &ReadError{Code: CodeDecodeError, Err: err}
		}
	}

	if isFatalTransportError(err) {
		c.disconnectLocked()
		return &ReadError{Code: CodeDeviceOffline, Err: err}
	}
	return &ReadError{Code: CodeTimeout, Err: err}
}

func (c *Channel) disconnectLocked() {
	if c.connected {
		c.transport.Close() //nolint:errcheck
		c.connected = false
	}
	c.scheduleReconnectLocked()
	log.Warnf("Channel %s disconnected, next attempt in %s", c.name, c.backoffDelay)
}

func (c *Channel) scheduleReconnectLocked() {
	c.reconnectAt = timeNow().Add(c.backoffDelay)
	c.backoffDelay *= 2
	if c.backoffDelay > reconnectMaxDelay {
		c.backoffDelay = reconnectMaxDelay
	}
}

func (c *Channel) recordLocked(ok bool) {
	c.history[c.historyPos] = ok
	c.historyPos = (c.historyPos + 1) % historySize
	if c.historyLen < historySize {
		c.historyLen++
	}
}

// CommunicationQuality grades the channel from its recent poll history.
func (c *Channel) CommunicationQuality() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected && c.historyLen == 0 {
		return QualityLevelOffline
	}
	if c.historyLen == 0 {
		return QualityLevelGood
	}
	ok := 0
	for i := 0; i < c.historyLen; i++ {
		if c.history[i] {
			ok++
		}
	}
	ratio := float64(ok) / float64(c.historyLen)
	switch {
	case !c.connected && ratio < qualityDegradedRatio:
		return QualityLevelOffline
	case ratio >= qualityGoodRatio:
		return QualityLevelGood
	case ratio >= qualityDegradedRatio:
		return QualityLevelDegraded
	default:
		return QualityLevelPoor
	}
}

// KeepAlive issues a minimal read when the channel has been idle, keeping
// NAT and firewall state warm on gateway deployments. No-op while
// disconnected or recently active.
func (c *Channel) KeepAlive() {
	c.mu.Lock()
	idle := c.connected && timeNow().Sub(c.lastActivity) >= keepAliveInterval
	c.mu.Unlock()
	if !idle {
		return
	}
	if _, err := c.read("holding", 0, 1, false); err != nil {
		log.Debugf("Channel %s keep-alive read failed: %v", c.name, err)
	}
}

// Close shuts the transport down.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.transport.Close()
}

func isBusyException(err error) bool {
	var mbErr *modbus.ModbusError
	return errors.As(err, &mbErr) && (mbErr.ExceptionCode == 5 || mbErr.ExceptionCode == 6)
}

// isFatalTransportError detects serial and socket faults that require a
// reconnect rather than a retry.
func isFatalTransportError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EPIPE, syscall.EIO, syscall.ENODEV, syscall.ECONNRESET, syscall.ECONNREFUSED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := err.Error()
	for _, s := range []string{"port not open", "use of closed", "broken pipe", "connection refused", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
