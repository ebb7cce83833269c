// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Exporter pushes flushed buckets to an external time-series backend.
// Export failures are logged by the collector and never retried here;
// badger remains the authoritative history.
type Exporter interface {
	Export(ctx context.Context, buckets map[BucketKey]*welford) error
	Close()
}

// InfluxExporter writes one point per bucket to InfluxDB.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxExporter connects to InfluxDB at url with the given token.
func NewInfluxExporter(url, token, org, bucket string) *InfluxExporter {
	client := influxdb2.NewClient(url, token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// Export implements Exporter.
func (e *InfluxExporter) Export(ctx context.Context, buckets map[BucketKey]*welford) error {
	for key, agg := range buckets {
		stats := agg.stats()
		p := influxdb2.NewPoint(
			"bias_scores",
			map[string]string{
				"dimension": key.Dimension,
				"group":     key.Group,
			},
			map[string]interface{}{
				"count":    stats.Count,
				"mean":     stats.Mean,
				"variance": stats.Variance,
				"min":      stats.Min,
				"max":      stats.Max,
			},
			key.Bucket,
		)
		if err := e.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Exporter.
func (e *InfluxExporter) Close() {
	e.client.Close()
}

var _ Exporter = (*InfluxExporter)(nil)
