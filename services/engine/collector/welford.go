// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"math"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// welford accumulates count, mean and variance in one pass without
// storing samples (Welford's online algorithm). Not safe for concurrent
// use; callers hold the collector lock.
type welford struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (w *welford) add(x float64) {
	w.count++
	if w.count == 1 {
		w.min, w.max = x, x
	} else {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// variance is the population variance. Zero until two samples exist.
func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// merge folds other into w (Chan et al. parallel combination), used
// when joining buffered aggregates with stored history.
func (w *welford) merge(other *welford) {
	if other.count == 0 {
		return
	}
	if w.count == 0 {
		*w = *other
		return
	}
	total := w.count + other.count
	delta := other.mean - w.mean
	w.m2 += other.m2 + delta*delta*float64(w.count)*float64(other.count)/float64(total)
	w.mean += delta * float64(other.count) / float64(total)
	w.count = total
	w.min = math.Min(w.min, other.min)
	w.max = math.Max(w.max, other.max)
}

func (w *welford) stats() datatypes.SliceStats {
	return datatypes.SliceStats{
		Count:    w.count,
		Mean:     w.mean,
		Variance: w.variance(),
		Min:      w.min,
		Max:      w.max,
	}
}

// fromStats reverses stats() so stored buckets can be merged back in.
func fromStats(s datatypes.SliceStats) *welford {
	return &welford{
		count: s.Count,
		mean:  s.Mean,
		m2:    s.Variance * float64(s.Count),
		min:   s.Min,
		max:   s.Max,
	}
}
