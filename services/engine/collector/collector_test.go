// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

func newTestSeries(t *testing.T) *BadgerSeries {
	t.Helper()
	store, err := OpenBadgerSeries("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func result(score float64, demographics datatypes.Demographics, fallback bool) *datatypes.BiasAnalysisResult {
	return &datatypes.BiasAnalysisResult{
		SessionID: "s1",
		Layers: map[datatypes.Layer]datatypes.LayerResult{
			datatypes.LayerModel: {Layer: datatypes.LayerModel, Score: score},
		},
		OverallScore: score,
		Demographics: demographics,
		Fallback:     fallback,
		AnalyzedAt:   time.Now(),
	}
}

func TestWelfordMatchesDirectComputation(t *testing.T) {
	samples := []float64{0.1, 0.4, 0.4, 0.7, 0.95}

	var w welford
	for _, x := range samples {
		w.add(x)
	}

	var sum float64
	for _, x := range samples {
		sum += x
	}
	mean := sum / float64(len(samples))
	var ss float64
	for _, x := range samples {
		ss += (x - mean) * (x - mean)
	}

	assert.InDelta(t, mean, w.mean, 1e-12)
	assert.InDelta(t, ss/float64(len(samples)), w.variance(), 1e-12)
	assert.Equal(t, 0.1, w.min)
	assert.Equal(t, 0.95, w.max)
}

func TestWelfordMergeEqualsSequential(t *testing.T) {
	all := []float64{0.2, 0.8, 0.5, 0.3, 0.9, 0.1, 0.6}

	var sequential welford
	for _, x := range all {
		sequential.add(x)
	}

	var left, right welford
	for _, x := range all[:3] {
		left.add(x)
	}
	for _, x := range all[3:] {
		right.add(x)
	}
	left.merge(&right)

	assert.Equal(t, sequential.count, left.count)
	assert.InDelta(t, sequential.mean, left.mean, 1e-12)
	assert.InDelta(t, sequential.variance(), left.variance(), 1e-12)
}

func TestRecordUpdatesRollingAggregates(t *testing.T) {
	c := New(Config{FlushInterval: time.Hour}, nil, nil)
	defer c.Close()

	demo := datatypes.Demographics{Gender: "female", AgeBracket: "25-34"}
	c.Record(result(0.2, demo, false))
	c.Record(result(0.6, demo, true))

	overall := c.OverallStats()
	assert.Equal(t, int64(2), overall.Count)
	assert.InDelta(t, 0.4, overall.Mean, 1e-9)

	slices := c.DimensionSlices(datatypes.DimensionGender)
	require.Contains(t, slices, "female")
	assert.Equal(t, int64(2), slices["female"].Count)

	rate, ok := c.MetricValue("fallback.rate")
	require.True(t, ok)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

func TestMetricValuePaths(t *testing.T) {
	c := New(Config{FlushInterval: time.Hour}, nil, nil)
	defer c.Close()
	c.Record(result(0.7, datatypes.Demographics{Ethnicity: "hispanic"}, false))

	tests := []struct {
		path string
		want float64
		ok   bool
	}{
		{"overall.mean", 0.7, true},
		{"overall.count", 1, true},
		{"layer.model.mean", 0.7, true},
		{"demographic.ethnicity.hispanic.mean", 0.7, true},
		{"fallback.count", 0, true},
		{"layer.nonexistent.mean", 0, false},
		{"garbage", 0, false},
		{"overall", 0, false},
	}
	for _, tt := range tests {
		got, ok := c.MetricValue(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, tt.path)
		}
	}
}

func TestFlushPersistsBuckets(t *testing.T) {
	store := newTestSeries(t)
	c := New(Config{FlushInterval: time.Hour}, store, nil)
	defer c.Close()
	ctx := context.Background()

	c.Record(result(0.3, datatypes.Demographics{Gender: "male"}, false))
	c.Record(result(0.5, datatypes.Demographics{Gender: "male"}, false))
	require.NoError(t, c.Flush(ctx))

	var found bool
	err := store.Scan(ctx, time.Now().Add(-time.Hour), time.Time{},
		func(key BucketKey, stats datatypes.SliceStats) error {
			if key.Dimension == datatypes.DimensionGender && key.Group == "male" {
				found = true
				assert.Equal(t, int64(2), stats.Count)
				assert.InDelta(t, 0.4, stats.Mean, 1e-9)
			}
			return nil
		})
	require.NoError(t, err)
	assert.True(t, found, "gender/male bucket should be persisted")
}

func TestFlushMergesWithExistingBucket(t *testing.T) {
	store := newTestSeries(t)
	ctx := context.Background()
	bucket := time.Now().Truncate(time.Minute).UTC()
	key := BucketKey{Bucket: bucket, Dimension: dimOverall, Group: groupAll}

	require.NoError(t, store.Merge(ctx, key, datatypes.SliceStats{
		Count: 2, Mean: 0.5, Min: 0.4, Max: 0.6,
	}))
	require.NoError(t, store.Merge(ctx, key, datatypes.SliceStats{
		Count: 2, Mean: 0.7, Min: 0.6, Max: 0.8,
	}))

	var got datatypes.SliceStats
	err := store.Scan(ctx, bucket.Add(-time.Minute), time.Time{},
		func(k BucketKey, stats datatypes.SliceStats) error {
			if k == key {
				got = stats
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Count)
	assert.InDelta(t, 0.6, got.Mean, 1e-9)
	assert.Equal(t, 0.4, got.Min)
	assert.Equal(t, 0.8, got.Max)
}

type brokenSeries struct{}

func (brokenSeries) Merge(context.Context, BucketKey, datatypes.SliceStats) error {
	return fmt.Errorf("store down")
}
func (brokenSeries) Scan(context.Context, time.Time, time.Time,
	func(BucketKey, datatypes.SliceStats) error) error {
	return fmt.Errorf("store down")
}
func (brokenSeries) Close() error { return nil }

func TestStoreFailureDegradesAndRetains(t *testing.T) {
	c := New(Config{FlushInterval: time.Hour}, brokenSeries{}, nil)
	defer c.Close()
	ctx := context.Background()

	c.Record(result(0.4, datatypes.Demographics{}, false))
	require.Error(t, c.Flush(ctx))
	assert.True(t, c.Degraded())

	// The rolling view still serves dashboards.
	snap, err := c.DashboardData(ctx, datatypes.DashboardFilters{})
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, int64(1), snap.Overall.Count)
}

func TestDashboardMergesStoredAndBuffered(t *testing.T) {
	store := newTestSeries(t)
	c := New(Config{FlushInterval: time.Hour, FlushThreshold: 1000}, store, nil)
	defer c.Close()
	ctx := context.Background()

	// Two flushed, one still buffered.
	c.Record(result(0.2, datatypes.Demographics{Gender: "female"}, false))
	c.Record(result(0.4, datatypes.Demographics{Gender: "female"}, false))
	require.NoError(t, c.Flush(ctx))
	c.Record(result(0.9, datatypes.Demographics{Gender: "female"}, true))

	snap, err := c.DashboardData(ctx, datatypes.DashboardFilters{})
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.Equal(t, int64(3), snap.Overall.Count)
	assert.InDelta(t, 0.5, snap.Overall.Mean, 1e-9)
	assert.Equal(t, int64(1), snap.FallbackCount)
	require.Contains(t, snap.PerDemographic, datatypes.DimensionGender)
	assert.Equal(t, int64(3), snap.PerDemographic[datatypes.DimensionGender]["female"].Count)
}

func TestDashboardDimensionFilter(t *testing.T) {
	store := newTestSeries(t)
	c := New(Config{FlushInterval: time.Hour}, store, nil)
	defer c.Close()
	ctx := context.Background()

	c.Record(result(0.5, datatypes.Demographics{Gender: "male", Ethnicity: "asian"}, false))
	require.NoError(t, c.Flush(ctx))

	snap, err := c.DashboardData(ctx, datatypes.DashboardFilters{
		Dimension: datatypes.DimensionGender,
	})
	require.NoError(t, err)
	assert.Contains(t, snap.PerDemographic, datatypes.DimensionGender)
	assert.NotContains(t, snap.PerDemographic, datatypes.DimensionEthnicity)
}

func TestBucketizeGroupsByTimeBucket(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 0, 30, 0, time.UTC)
	batch := []record{
		{overall: 0.2, at: base},
		{overall: 0.4, at: base.Add(10 * time.Second)},
		{overall: 0.8, at: base.Add(2 * time.Minute)},
	}

	buckets := bucketize(batch, time.Minute)

	first := BucketKey{base.Truncate(time.Minute), dimOverall, groupAll}
	second := BucketKey{base.Add(2 * time.Minute).Truncate(time.Minute), dimOverall, groupAll}
	require.Contains(t, buckets, first)
	require.Contains(t, buckets, second)
	assert.Equal(t, int64(2), buckets[first].count)
	assert.Equal(t, int64(1), buckets[second].count)
	assert.InDelta(t, 0.3, buckets[first].mean, 1e-9)
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	key := BucketKey{
		Bucket:    time.Unix(1756000000, 0).UTC(),
		Dimension: "age_bracket",
		Group:     "35-44",
	}
	parsed, err := parseSeriesKey(seriesKey(key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestVarianceNonNegative(t *testing.T) {
	var w welford
	for i := 0; i < 1000; i++ {
		w.add(0.5)
	}
	assert.GreaterOrEqual(t, w.variance(), 0.0)
	assert.False(t, math.IsNaN(w.variance()))
}
