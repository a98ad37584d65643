// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package modbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline-agent/pkg/state"
)

// fakeTransport serves reads from an in-memory register map and records
// every wire access, including overlap between concurrent requests.
type fakeTransport struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	reads     []string

	connectErr error
	connects   int
	readErr    error
	busyReads  int // serve this many busy exceptions before succeeding
	blockFor   time.Duration

	active   int32
	overlaps int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{registers: map[uint16]uint16{}}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) read(kind string, address, quantity uint16) ([]byte, error) {
	if atomic.AddInt32(&f.active, 1) != 1 {
		atomic.AddInt32(&f.overlaps, 1)
	}
	defer atomic.AddInt32(&f.active, -1)

	if f.blockFor > 0 {
		time.Sleep(f.blockFor)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, fmt.Sprintf("%s %d %d", kind, address, quantity))
	if f.busyReads > 0 {
		f.busyReads--
		return nil, &modbus.ModbusError{FunctionCode: 3, ExceptionCode: 6}
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	buf := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(buf[i*2:], f.registers[address+i])
	}
	return buf, nil
}

func (f *fakeTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.read("holding", address, quantity)
}

func (f *fakeTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.read("input", address, quantity)
}

func (f *fakeTransport) readLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

func instantSleep(t *testing.T) {
	t.Helper()
	prev := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = prev })
}

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		name      string
		dataType  string
		byteOrder string
		raw       []byte
		want      float64
	}{
		{"uint16", "uint16", "", []byte{0x01, 0x02}, 258},
		{"int16 negative", "int16", "", []byte{0xFF, 0xFE}, -2},
		{"uint32 ABCD", "uint32", "ABCD", []byte{0x00, 0x01, 0x00, 0x02}, 65538},
		{"uint32 CDAB", "uint32", "CDAB", []byte{0x00, 0x02, 0x00, 0x01}, 65538},
		{"uint32 BADC", "uint32", "BADC", []byte{0x01, 0x00, 0x02, 0x00}, 65538},
		{"uint32 DCBA", "uint32", "DCBA", []byte{0x02, 0x00, 0x01, 0x00}, 65538},
		{"legacy big is ABCD", "uint32", "big", []byte{0x00, 0x01, 0x00, 0x02}, 65538},
		{"legacy little is DCBA", "uint32", "little", []byte{0x02, 0x00, 0x01, 0x00}, 65538},
		{"int32 negative", "int32", "ABCD", []byte{0xFF, 0xFF, 0xFF, 0xFF}, -1},
		{"float32", "float32", "ABCD", []byte{0x42, 0x28, 0x00, 0x00}, 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeValue(tc.dataType, tc.byteOrder, tc.raw)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-6)
		})
	}

	_, err := decodeValue("uint32", "ABCD", []byte{0x00, 0x01})
	assert.Error(t, err, "short reads must not decode")
}

func TestGroupRegistersContiguous(t *testing.T) {
	groups := groupRegisters([]state.RegisterConfig{
		{Name: "a", Address: 100},
		{Name: "b", Address: 101},
		{Name: "c", Address: 103},
	})
	require.Len(t, groups, 1)
	assert.Equal(t, uint16(100), groups[0].start)
	assert.Equal(t, uint16(4), groups[0].quantity)
}

func TestGroupRegistersSplitsOnGapAndFunctionCode(t *testing.T) {
	groups := groupRegisters([]state.RegisterConfig{
		{Name: "a", Address: 100},
		{Name: "b", Address: 110}, // gap 9: separate group
		{Name: "c", Address: 100, FunctionCode: "input"},
	})
	require.Len(t, groups, 3)
	assert.Equal(t, "holding", groups[0].functionCode)
	assert.Equal(t, "holding", groups[1].functionCode)
	assert.Equal(t, "input", groups[2].functionCode)
}

func TestGroupRegistersHonors32BitWidth(t *testing.T) {
	groups := groupRegisters([]state.RegisterConfig{
		{Name: "a", Address: 100, DataType: "float32"},
		{Name: "b", Address: 102},
	})
	require.Len(t, groups, 1)
	assert.Equal(t, uint16(3), groups[0].quantity)
}

func TestPollOnceBatchReadScenario(t *testing.T) {
	ft := newFakeTransport()
	ft.registers[100] = 11
	ft.registers[101] = 22
	ft.registers[103] = 33

	ch := NewChannel("test", ft, time.Second)
	out := make(chan Frame, 16)
	p := newPoller(state.SensorConfig{
		Name: "s1",
		Registers: []state.RegisterConfig{
			{Name: "a", Address: 100},
			{Name: "b", Address: 101},
			{Name: "c", Address: 103},
		},
	}, ch, out)

	p.pollOnce()

	assert.Equal(t, []string{"holding 100 4"}, ft.readLog(), "contiguous registers read as one batch")

	var frames []Frame
	for len(out) > 0 {
		frames = append(frames, <-out)
	}
	require.Len(t, frames, 3)
	values := map[string]float64{}
	for _, f := range frames {
		assert.Equal(t, QualityGood, f.Quality)
		values[f.Register] = f.Value
	}
	assert.Equal(t, map[string]float64{"a": 11, "b": 22, "c": 33}, values)
}

func TestChannelSerializesConcurrentReads(t *testing.T) {
	ft := newFakeTransport()
	ft.blockFor = 2 * time.Millisecond
	ch := NewChannel("test", ft, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Read("holding", 100, 1) //nolint:errcheck
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&ft.overlaps), "reads on one channel must never overlap on the wire")
	assert.Len(t, ft.readLog(), 8)
}

func TestChannelRetriesBusyThenReportsDeviceBusy(t *testing.T) {
	instantSleep(t)
	ft := newFakeTransport()
	ft.busyReads = 100 // always busy
	ch := NewChannel("test", ft, time.Second)

	_, err := ch.Read("holding", 5, 1)
	require.Error(t, err)
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeDeviceBusy, re.Code)
	assert.Len(t, ft.readLog(), 4, "one attempt plus three retries")
}

func TestChannelBusyRecoversWithinRetries(t *testing.T) {
	instantSleep(t)
	ft := newFakeTransport()
	ft.busyReads = 2
	ft.registers[5] = 7
	ch := NewChannel("test", ft, time.Second)

	raw, err := ch.Read("holding", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(raw))
	assert.Len(t, ft.readLog(), 3)
}

func TestChannelExternalTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.blockFor = 200 * time.Millisecond
	ch := NewChannel("test", ft, 10*time.Millisecond)

	_, err := ch.Read("holding", 1, 1)
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeTimeout, re.Code)
}

func TestChannelOfflineBackoffSkipsConnectAttempts(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = assert.AnError
	ch := NewChannel("test", ft, time.Second)

	_, err := ch.Read("holding", 1, 1)
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeDeviceOffline, re.Code)
	require.Equal(t, 1, ft.connects)

	// Within the backoff window the channel refuses without dialing.
	_, err = ch.Read("holding", 1, 1)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeDeviceOffline, re.Code)
	assert.Equal(t, 1, ft.connects)
}

func TestCommunicationQuality(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel("test", ft, time.Second)
	assert.Equal(t, QualityLevelOffline, ch.CommunicationQuality())

	for i := 0; i < 20; i++ {
		_, err := ch.Read("holding", 1, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, QualityLevelGood, ch.CommunicationQuality())

	ft.readErr = fmt.Errorf("garbled frame")
	for i := 0; i < 4; i++ {
		ch.Read("holding", 1, 1) //nolint:errcheck
	}
	assert.Equal(t, QualityLevelDegraded, ch.CommunicationQuality())
}

func TestKeepAliveFailureDoesNotAffectQuality(t *testing.T) {
	ft := newFakeTransport()
	ft.registers[1] = 5
	ch := NewChannel("test", ft, time.Second)

	base := time.Now()
	now := base
	prevNow := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = prevNow })

	for i := 0; i < 20; i++ {
		_, err := ch.Read("holding", 1, 1)
		require.NoError(t, err)
	}
	require.Equal(t, QualityLevelGood, ch.CommunicationQuality())

	// Register 0 does not exist on this device: the keep-alive probe gets an
	// exception reply. That must not count against the poll history.
	ft.readErr = &modbus.ModbusError{FunctionCode: 3, ExceptionCode: 2}
	now = base.Add(keepAliveInterval + time.Second)
	ch.KeepAlive()

	log := ft.readLog()
	assert.Equal(t, "holding 0 1", log[len(log)-1], "keep-alive probe reached the wire")
	assert.Equal(t, QualityLevelGood, ch.CommunicationQuality())
}

func TestPollOnceBusyBatchSpendsRetryBudgetOnce(t *testing.T) {
	instantSleep(t)
	ft := newFakeTransport()
	ft.busyReads = 100 // always busy
	ch := NewChannel("test", ft, time.Second)
	out := make(chan Frame, 16)
	p := newPoller(state.SensorConfig{
		Name: "s1",
		Registers: []state.RegisterConfig{
			{Name: "a", Address: 100},
			{Name: "b", Address: 101},
		},
	}, ch, out)

	p.pollOnce()

	assert.Len(t, ft.readLog(), 4, "one batch attempt plus three retries, no per-register fallback")
	require.Len(t, out, 2)
	for len(out) > 0 {
		f := <-out
		assert.Equal(t, QualityBad, f.Quality)
		assert.Equal(t, CodeDeviceBusy, f.QualityCode)
	}
}

func TestPollOnceEmitsBadFramesWhenOffline(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = assert.AnError
	ch := NewChannel("test", ft, time.Second)
	out := make(chan Frame, 16)
	p := newPoller(state.SensorConfig{
		Name: "s1",
		Registers: []state.RegisterConfig{
			{Name: "a", Address: 100},
			{Name: "b", Address: 101},
		},
	}, ch, out)

	p.pollOnce()

	require.Len(t, out, 2)
	for len(out) > 0 {
		f := <-out
		assert.Equal(t, QualityBad, f.Quality)
		assert.Equal(t, CodeDeviceOffline, f.QualityCode)
	}
}

func TestAdapterConfigureAndPoll(t *testing.T) {
	ft := newFakeTransport()
	ft.registers[10] = 123
	factory := func(kind, address string, slaveID byte) Transport { return ft }

	a := NewAdapter(factory, time.Second)
	defer a.Stop()
	a.Configure([]state.SensorConfig{{
		Name:         "s1",
		Type:         "modbus-tcp",
		Address:      "10.0.0.5:502",
		PollInterval: 10,
		Registers:    []state.RegisterConfig{{Name: "temp", Address: 10, Scale: 0.1, Unit: "C"}},
	}})

	select {
	case f := <-a.Frames():
		assert.Equal(t, "s1", f.Sensor)
		assert.Equal(t, "temp", f.Register)
		assert.InDelta(t, 12.3, f.Value, 1e-9)
		assert.Equal(t, QualityGood, f.Quality)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame emitted")
	}

	// Reconfiguring with the same sensor keeps the poller running.
	a.Configure([]state.SensorConfig{{
		Name:         "s1",
		Type:         "modbus-tcp",
		Address:      "10.0.0.5:502",
		PollInterval: 10,
		Registers:    []state.RegisterConfig{{Name: "temp", Address: 10, Scale: 0.1, Unit: "C"}},
	}})
	a.Configure(nil) // removal stops it
}
