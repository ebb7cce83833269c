// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned by Start when the engine is
	// already running.
	ErrAlreadyInitialized = errors.New("engine: already initialized")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("engine: closed")
)

// ConfigurationError reports an invalid engine configuration. Raised at
// construction; the engine never starts with a bad config.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
