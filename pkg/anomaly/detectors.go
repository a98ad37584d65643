// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package anomaly

import (
	"fmt"
	"math"
)

// minSamples is the activation threshold: no detector fires before a metric
// has accumulated this many observations.
const minSamples = 10

// Detection method names, used in alert fingerprints and reports.
const (
	MethodZScore = "zscore"
	MethodMAD    = "mad"
	MethodIQR    = "iqr"
	MethodRate   = "rate"
	MethodEWMA   = "ewma"
)

// Default detector tuning.
const (
	DefaultSensitivity = 3.0  // z-score / MAD / EWMA threshold in deviations
	DefaultIQRFactor   = 1.5  // Tukey's fences
	DefaultEWMAAlpha   = 0.3  // smoothing factor
	DefaultRateLimit   = 50.0 // % change per second
)

// Result is one detector's verdict on a sample.
type Result struct {
	Method      string  `json:"method"`
	IsAnomaly   bool    `json:"isAnomaly"`
	Confidence  float64 `json:"confidence"`
	Deviation   float64 `json:"deviation"`
	ExpectedMin float64 `json:"expectedMin"`
	ExpectedMax float64 `json:"expectedMax"`
	Message     string  `json:"message,omitempty"`
}

// Detector inspects a new sample against the metric's history. The sample
// is NOT yet in the buffer when Detect runs: it is judged against the
// baseline it would disturb.
type Detector interface {
	Method() string
	Detect(buf *StatBuffer, s Sample) Result
}

// confidenceFrom maps a deviation-over-threshold ratio to [0,1]. At the
// threshold it yields ~0.5 and saturates as the excess grows.
func confidenceFrom(deviation, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	c := 1 - 1/(1+deviation/threshold)
	return math.Min(1, math.Max(0, c*2-0.5))
}

// zscoreDetector flags samples whose distance from the mean exceeds the
// threshold in standard deviations. A constant baseline flags any change.
type zscoreDetector struct {
	threshold float64
}

// NewZScore builds a z-score detector. threshold <= 0 uses the default.
func NewZScore(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultSensitivity
	}
	return &zscoreDetector{threshold: threshold}
}

func (d *zscoreDetector) Method() string { return MethodZScore }

func (d *zscoreDetector) Detect(buf *StatBuffer, s Sample) Result {
	mean := buf.Mean()
	sigma := buf.StdDev()
	r := Result{
		Method:      MethodZScore,
		ExpectedMin: mean - d.threshold*sigma,
		ExpectedMax: mean + d.threshold*sigma,
	}
	if sigma == 0 {
		if s.Value != mean {
			r.IsAnomaly = true
			r.Confidence = 1
			r.Deviation = math.Abs(s.Value - mean)
			r.Message = fmt.Sprintf("value %.4g deviates from constant baseline %.4g", s.Value, mean)
		}
		return r
	}
	z := math.Abs(s.Value-mean) / sigma
	r.Deviation = z
	if z > d.threshold {
		r.IsAnomaly = true
		r.Confidence = confidenceFrom(z, d.threshold)
		r.Message = fmt.Sprintf("value %.4g is %.2f sigma from mean %.4g", s.Value, z, mean)
	}
	return r
}

// madDetector is the robust analogue of z-score, using the median absolute
// deviation.
type madDetector struct {
	threshold float64
}

// NewMAD builds a MAD detector.
func NewMAD(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultSensitivity
	}
	return &madDetector{threshold: threshold}
}

func (d *madDetector) Method() string { return MethodMAD }

func (d *madDetector) Detect(buf *StatBuffer, s Sample) Result {
	median := buf.Median()
	mad := buf.MAD()
	r := Result{
		Method:      MethodMAD,
		ExpectedMin: median - d.threshold*mad,
		ExpectedMax: median + d.threshold*mad,
	}
	if mad == 0 {
		if s.Value != median {
			r.IsAnomaly = true
			r.Confidence = 1
			r.Deviation = math.Abs(s.Value - median)
			r.Message = fmt.Sprintf("value %.4g deviates from constant median %.4g", s.Value, median)
		}
		return r
	}
	dev := math.Abs(s.Value-median) / mad
	r.Deviation = dev
	if dev > d.threshold {
		r.IsAnomaly = true
		r.Confidence = confidenceFrom(dev, d.threshold)
		r.Message = fmt.Sprintf("value %.4g is %.2f MADs from median %.4g", s.Value, dev, median)
	}
	return r
}

// iqrDetector applies Tukey's fences.
type iqrDetector struct {
	factor float64
}

// NewIQR builds an IQR detector.
func NewIQR(factor float64) Detector {
	if factor <= 0 {
		factor = DefaultIQRFactor
	}
	return &iqrDetector{factor: factor}
}

func (d *iqrDetector) Method() string { return MethodIQR }

func (d *iqrDetector) Detect(buf *StatBuffer, s Sample) Result {
	q1 := buf.Quantile(0.25)
	q3 := buf.Quantile(0.75)
	iqr := q3 - q1
	lo := q1 - d.factor*iqr
	hi := q3 + d.factor*iqr
	r := Result{Method: MethodIQR, ExpectedMin: lo, ExpectedMax: hi}

	if s.Value >= lo && s.Value <= hi {
		return r
	}
	r.IsAnomaly = true
	var excess float64
	if s.Value < lo {
		excess = lo - s.Value
	} else {
		excess = s.Value - hi
	}
	if iqr > 0 {
		r.Deviation = excess / iqr
	} else {
		r.Deviation = excess
	}
	r.Confidence = confidenceFrom(r.Deviation, 1)
	r.Message = fmt.Sprintf("value %.4g outside Tukey fences [%.4g, %.4g]", s.Value, lo, hi)
	return r
}

// rateDetector flags abrupt relative changes between consecutive samples,
// normalized per second.
type rateDetector struct {
	limit float64 // % per second
}

// NewRate builds a rate-of-change detector.
func NewRate(limit float64) Detector {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &rateDetector{limit: limit}
}

func (d *rateDetector) Method() string { return MethodRate }

func (d *rateDetector) Detect(buf *StatBuffer, s Sample) Result {
	r := Result{Method: MethodRate}
	prev, ok := buf.Last()
	if !ok || prev.Value == 0 {
		return r
	}
	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return r
	}
	pctPerSec := math.Abs((s.Value-prev.Value)/math.Abs(prev.Value)) * 100 / dt
	r.Deviation = pctPerSec / d.limit
	r.ExpectedMax = d.limit
	if pctPerSec > d.limit {
		r.IsAnomaly = true
		r.Confidence = confidenceFrom(r.Deviation, 1)
		r.Message = fmt.Sprintf("value changed %.1f%%/s, limit %.1f%%/s", pctPerSec, d.limit)
	}
	return r
}

// ewmaDetector compares each sample to an exponentially smoothed baseline.
type ewmaDetector struct {
	alpha     float64
	threshold float64

	smoothed    float64
	initialized bool
}

// NewEWMA builds an EWMA detector. Detectors hold per-metric state, so one
// instance serves exactly one metric.
func NewEWMA(alpha, threshold float64) Detector {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEWMAAlpha
	}
	if threshold <= 0 {
		threshold = DefaultSensitivity
	}
	return &ewmaDetector{alpha: alpha, threshold: threshold}
}

func (d *ewmaDetector) Method() string { return MethodEWMA }

func (d *ewmaDetector) Detect(buf *StatBuffer, s Sample) Result {
	r := Result{Method: MethodEWMA}
	if !d.initialized {
		d.smoothed = s.Value
		d.initialized = true
		return r
	}

	sigma := buf.StdDev()
	diff := math.Abs(s.Value - d.smoothed)
	r.ExpectedMin = d.smoothed - d.threshold*sigma
	r.ExpectedMax = d.smoothed + d.threshold*sigma
	if sigma > 0 {
		r.Deviation = diff / sigma
		if diff > d.threshold*sigma {
			r.IsAnomaly = true
			r.Confidence = confidenceFrom(r.Deviation, d.threshold)
			r.Message = fmt.Sprintf("value %.4g departs smoothed baseline %.4g by %.2f sigma", s.Value, d.smoothed, r.Deviation)
		}
	}
	d.smoothed = d.alpha*s.Value + (1-d.alpha)*d.smoothed
	return r
}
