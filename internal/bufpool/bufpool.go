// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles encode buffers for JSON payloads on hot paths.
package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. Oversized buffers are dropped.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// MarshalJSON encodes v through a pooled buffer and returns a copy of the
// encoded bytes without the trailing newline.
func MarshalJSON(v any) ([]byte, error) {
	b := Get()
	defer Put(b)

	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := bytes.TrimSuffix(b.Bytes(), []byte("\n"))
	return bytes.Clone(out), nil
}
