// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package anomaly runs rolling-window statistical detection over metric
// streams and manages the resulting alerts.
package anomaly

import (
	"math"
	"sort"
	"time"
)

// Sample is one observation of a metric.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// StatBuffer is a fixed-size circular buffer maintaining running statistics.
// Mean and variance are updated incrementally with Welford's algorithm on
// insert and removal; the sorted view used by the quantile statistics is
// computed lazily and cached until the next insert.
type StatBuffer struct {
	values []Sample
	size   int
	pos    int
	count  int

	mean float64
	m2   float64

	sorted      []float64
	sortedValid bool
}

// NewStatBuffer returns a buffer holding at most size samples.
func NewStatBuffer(size int) *StatBuffer {
	if size <= 0 {
		size = 100
	}
	return &StatBuffer{
		values: make([]Sample, size),
		size:   size,
	}
}

// Add inserts a sample, evicting the oldest when full.
func (b *StatBuffer) Add(s Sample) {
	if b.count == b.size {
		b.removeFromStats(b.values[b.pos].Value)
	} else {
		b.count++
	}
	b.values[b.pos] = s
	b.addToStats(s.Value)
	b.pos = (b.pos + 1) % b.size
	b.sortedValid = false
}

func (b *StatBuffer) addToStats(x float64) {
	n := float64(b.count)
	delta := x - b.mean
	b.mean += delta / n
	b.m2 += delta * (x - b.mean)
}

// removeFromStats reverses Welford for the evicted value.
func (b *StatBuffer) removeFromStats(x float64) {
	n := float64(b.count)
	if n <= 1 {
		b.mean = 0
		b.m2 = 0
		return
	}
	oldMean := (n*b.mean - x) / (n - 1)
	b.m2 -= (x - b.mean) * (x - oldMean)
	if b.m2 < 0 {
		b.m2 = 0
	}
	b.mean = oldMean
}

// Count reports how many samples the buffer holds.
func (b *StatBuffer) Count() int { return b.count }

// Mean returns the running mean.
func (b *StatBuffer) Mean() float64 { return b.mean }

// Variance returns the sample variance.
func (b *StatBuffer) Variance() float64 {
	if b.count < 2 {
		return 0
	}
	return b.m2 / float64(b.count-1)
}

// StdDev returns the sample standard deviation.
func (b *StatBuffer) StdDev() float64 {
	return math.Sqrt(b.Variance())
}

// sortedView returns the cached ascending values, rebuilding if stale.
func (b *StatBuffer) sortedView() []float64 {
	if !b.sortedValid {
		b.sorted = b.sorted[:0]
		for i := 0; i < b.count; i++ {
			b.sorted = append(b.sorted, b.values[i].Value)
		}
		sort.Float64s(b.sorted)
		b.sortedValid = true
	}
	return b.sorted
}

// Median returns the middle value.
func (b *StatBuffer) Median() float64 {
	return b.Quantile(0.5)
}

// Quantile returns the q-th quantile (0..1) by linear interpolation.
func (b *StatBuffer) Quantile(q float64) float64 {
	s := b.sortedView()
	if len(s) == 0 {
		return 0
	}
	if len(s) == 1 {
		return s[0]
	}
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}

// MAD returns the median absolute deviation.
func (b *StatBuffer) MAD() float64 {
	s := b.sortedView()
	if len(s) == 0 {
		return 0
	}
	med := b.Median()
	devs := make([]float64, len(s))
	for i, v := range s {
		devs[i] = math.Abs(v - med)
	}
	sort.Float64s(devs)
	if n := len(devs); n%2 == 1 {
		return devs[n/2]
	} else {
		return (devs[n/2-1] + devs[n/2]) / 2
	}
}

// Last returns the most recently added sample.
func (b *StatBuffer) Last() (Sample, bool) {
	if b.count == 0 {
		return Sample{}, false
	}
	idx := (b.pos - 1 + b.size) % b.size
	return b.values[idx], true
}

// Previous returns the sample before the last one.
func (b *StatBuffer) Previous() (Sample, bool) {
	if b.count < 2 {
		return Sample{}, false
	}
	idx := (b.pos - 2 + b.size) % b.size
	return b.values[idx], true
}
