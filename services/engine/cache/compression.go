// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Values written to the slower tiers carry a one-byte marker so reads
// know whether to decompress.
const (
	markerRaw  byte = 0x00
	markerGzip byte = 0x01
)

// encode wraps value for the shared tier, compressing past threshold.
func encode(value []byte, threshold int) []byte {
	if len(value) < threshold {
		return append([]byte{markerRaw}, value...)
	}
	var buf bytes.Buffer
	buf.WriteByte(markerGzip)
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return append([]byte{markerRaw}, value...)
	}
	if err := w.Close(); err != nil {
		return append([]byte{markerRaw}, value...)
	}
	// Compression can inflate small high-entropy payloads.
	if buf.Len() >= len(value)+1 {
		return append([]byte{markerRaw}, value...)
	}
	return buf.Bytes()
}

// decode unwraps a shared-tier value.
func decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty cache payload")
	}
	switch stored[0] {
	case markerRaw:
		return stored[1:], nil
	case markerGzip:
		r, err := gzip.NewReader(bytes.NewReader(stored[1:]))
		if err != nil {
			return nil, fmt.Errorf("corrupt compressed cache payload: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress cache payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown cache payload marker 0x%02x", stored[0])
	}
}
