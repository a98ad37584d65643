// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/cihub/seelog"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

const (
	defaultPollInterval = 5 * time.Second
	frameBuffer         = 256
)

// Adapter owns the per-sensor poll loops. Sensors sharing one endpoint
// (same type, address and slave) share a Channel, so their reads serialize
// on the same wire.
type Adapter struct {
	factory     TransportFactory
	readTimeout time.Duration
	out         chan Frame

	mu       sync.Mutex
	pollers  map[string]*poller
	channels map[string]*Channel

	stopKeepAlive chan struct{}
	keepAliveDone chan struct{}
}

// NewAdapter builds an adapter with no sensors. Call Configure to start
// polling; Frames delivers the output.
func NewAdapter(factory TransportFactory, readTimeout time.Duration) *Adapter {
	a := &Adapter{
		factory:       factory,
		readTimeout:   readTimeout,
		out:           make(chan Frame, frameBuffer),
		pollers:       map[string]*poller{},
		channels:      map[string]*Channel{},
		stopKeepAlive: make(chan struct{}),
		keepAliveDone: make(chan struct{}),
	}
	go a.keepAliveLoop()
	return a
}

// Frames is the adapter's output. The channel is bounded; when consumers
// lag, new frames are dropped rather than blocking the pollers.
func (a *Adapter) Frames() <-chan Frame {
	return a.out
}

// Configure reconciles the running pollers against the sensor list: new
// sensors start, removed ones stop, changed ones restart.
func (a *Adapter) Configure(sensors []state.SensorConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wanted := map[string]state.SensorConfig{}
	for _, s := range sensors {
		wanted[s.Name] = s
	}

	for name, p := range a.pollers {
		cfg, keep := wanted[name]
		if keep && sensorEqual(p.cfg, cfg) {
			delete(wanted, name)
			continue
		}
		p.stopAndWait()
		delete(a.pollers, name)
		log.Infof("Sensor %s poller stopped", name)
	}

	for name, cfg := range wanted {
		ch := a.channelFor(cfg)
		p := newPoller(cfg, ch, a.out)
		a.pollers[name] = p
		go p.run()
		log.Infof("Sensor %s poller started (%s %s)", name, cfg.Type, cfg.Address)
	}
}

// channelFor returns the shared channel for a sensor endpoint, creating it
// on first use. Callers hold a.mu.
func (a *Adapter) channelFor(cfg state.SensorConfig) *Channel {
	key := fmt.Sprintf("%s|%s|%d", cfg.Type, cfg.Address, cfg.SlaveID)
	if ch, ok := a.channels[key]; ok {
		return ch
	}
	t := a.factory(cfg.Type, cfg.Address, cfg.SlaveID)
	ch := NewChannel(key, t, a.readTimeout)
	a.channels[key] = ch
	return ch
}

// Stop terminates every poller and closes the channels.
func (a *Adapter) Stop() {
	close(a.stopKeepAlive)
	<-a.keepAliveDone

	a.mu.Lock()
	defer a.mu.Unlock()
	for name, p := range a.pollers {
		p.stopAndWait()
		delete(a.pollers, name)
	}
	for key, ch := range a.channels {
		ch.Close() //nolint:errcheck
		delete(a.channels, key)
	}
}

func (a *Adapter) keepAliveLoop() {
	defer close(a.keepAliveDone)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopKeepAlive:
			return
		case <-ticker.C:
			a.mu.Lock()
			channels := make([]*Channel, 0, len(a.channels))
			for _, ch := range a.channels {
				channels = append(channels, ch)
			}
			a.mu.Unlock()
			for _, ch := range channels {
				ch.KeepAlive()
			}
		}
	}
}

func sensorEqual(a, b state.SensorConfig) bool {
	if a.Type != b.Type || a.Address != b.Address || a.SlaveID != b.SlaveID ||
		a.PollInterval != b.PollInterval || len(a.Registers) != len(b.Registers) {
		return false
	}
	for i := range a.Registers {
		if a.Registers[i] != b.Registers[i] {
			return false
		}
	}
	return true
}

// poller samples one sensor's registers on its interval.
type poller struct {
	cfg  state.SensorConfig
	ch   *Channel
	out  chan<- Frame
	stop chan struct{}
	done chan struct{}
}

func newPoller(cfg state.SensorConfig, ch *Channel, out chan<- Frame) *poller {
	return &poller{cfg: cfg, ch: ch, out: out, stop: make(chan struct{}), done: make(chan struct{})}
}

func (p *poller) interval() time.Duration {
	if p.cfg.PollInterval > 0 {
		return time.Duration(p.cfg.PollInterval) * time.Millisecond
	}
	return defaultPollInterval
}

func (p *poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *poller) stopAndWait() {
	close(p.stop)
	<-p.done
}

// pollOnce reads every configured register, batched where contiguous, and
// emits one frame per register.
func (p *poller) pollOnce() {
	now := timeNow()
	for _, g := range groupRegisters(p.cfg.Registers) {
		raw, err := p.ch.Read(g.functionCode, g.start, g.quantity)
		if err == nil {
			for _, r := range g.registers {
				p.emit(p.decodeFrame(r, g.slice(raw, r), now))
			}
			continue
		}

		var re *ReadError
		if errors.As(err, &re) && (re.Code == CodeDeviceOffline || re.Code == CodeDeviceBusy) {
			// Offline: the endpoint is gone, no point hammering it per
			// register. Busy: the batch already spent the retry budget, and
			// single reads would spend it again for every register.
			for _, r := range g.registers {
				p.emit(p.badFrame(r, re.Code, now))
			}
			continue
		}

		// Batch failed but the device answers: fall back to single reads so
		// one bad register does not poison its neighbours.
		log.Debugf("Sensor %s: batch read %d@%d failed (%v), falling back to single reads",
			p.cfg.Name, g.quantity, g.start, err)
		for _, r := range g.registers {
			p.pollSingle(r, now)
		}
	}
}

func (p *poller) pollSingle(r state.RegisterConfig, now time.Time) {
	raw, err := p.ch.Read(normalizeFunctionCode(r.FunctionCode), r.Address, registerCount(r.DataType))
	if err != nil {
		code := CodeTimeout
		var re *ReadError
		if errors.As(err, &re) {
			code = re.Code
		}
		p.emit(p.badFrame(r, code, now))
		return
	}
	p.emit(p.decodeFrame(r, raw, now))
}

func (p *poller) decodeFrame(r state.RegisterConfig, raw []byte, now time.Time) Frame {
	if raw == nil {
		return p.badFrame(r, CodeDecodeError, now)
	}
	value, err := decodeValue(r.DataType, r.ByteOrder, raw)
	if err != nil {
		log.Debugf("Sensor %s: register %s decode failed: %v", p.cfg.Name, r.Name, err)
		return p.badFrame(r, CodeDecodeError, now)
	}
	if r.Scale != 0 {
		value *= r.Scale
	}
	return Frame{
		Sensor:    p.cfg.Name,
		Register:  r.Name,
		Value:     value,
		Unit:      r.Unit,
		Quality:   QualityGood,
		Timestamp: now,
	}
}

func (p *poller) badFrame(r state.RegisterConfig, code string, now time.Time) Frame {
	return Frame{
		Sensor:      p.cfg.Name,
		Register:    r.Name,
		Unit:        r.Unit,
		Quality:     QualityBad,
		QualityCode: code,
		Timestamp:   now,
	}
}

// emit never blocks a poll loop on a slow consumer.
func (p *poller) emit(f Frame) {
	select {
	case p.out <- f:
	default:
		log.Debugf("Frame buffer full, dropping %s/%s", f.Sensor, f.Register)
	}
}
