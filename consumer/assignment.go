// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Assignment errors.
var (
	ErrNoPartitions = errors.New("total partitions must be positive")
	ErrNoWorkers    = errors.New("number of workers must be positive")
)

// Assignment is the static partition to worker mapping. Partition p (keys
// "1".."P") belongs to worker (p-1) mod W. It never changes after startup.
type Assignment struct {
	workers [][]string
	owner   map[string]int
}

// Assign divides totalPartitions across numWorkers round-robin.
func Assign(totalPartitions, numWorkers int) (*Assignment, error) {
	if totalPartitions < 1 {
		return nil, ErrNoPartitions
	}
	if numWorkers < 1 {
		return nil, ErrNoWorkers
	}

	a := &Assignment{
		workers: make([][]string, numWorkers),
		owner:   make(map[string]int, totalPartitions),
	}
	for p := 1; p <= totalPartitions; p++ {
		w := (p - 1) % numWorkers
		key := strconv.Itoa(p)
		a.workers[w] = append(a.workers[w], key)
		a.owner[key] = w
	}
	return a, nil
}

// NumWorkers returns the number of workers.
func (a *Assignment) NumWorkers() int {
	return len(a.workers)
}

// NumPartitions returns the number of partitions.
func (a *Assignment) NumPartitions() int {
	return len(a.owner)
}

// Partitions returns the partitions owned by worker (0-based).
func (a *Assignment) Partitions(worker int) []string {
	if worker < 0 || worker >= len(a.workers) {
		return nil
	}
	return append([]string(nil), a.workers[worker]...)
}

// Owner returns the worker that owns a partition.
func (a *Assignment) Owner(partition string) (int, bool) {
	w, ok := a.owner[partition]
	return w, ok
}

// Keys returns all partition keys in order.
func (a *Assignment) Keys() []string {
	keys := make([]string, 0, len(a.owner))
	for p := 1; p <= len(a.owner); p++ {
		keys = append(keys, strconv.Itoa(p))
	}
	return keys
}

// Snapshot returns the mapping keyed by worker name.
func (a *Assignment) Snapshot() map[string][]string {
	out := make(map[string][]string, len(a.workers))
	for i := range a.workers {
		out[WorkerName(i)] = a.Partitions(i)
	}
	return out
}

// Log writes one line per worker with its partitions.
func (a *Assignment) Log(logger *slog.Logger) {
	for i, parts := range a.workers {
		logger.Info("partition assignment",
			slog.String("worker", WorkerName(i)),
			slog.String("rooms", fmt.Sprintf("[%s]", strings.Join(parts, ", "))))
	}
}

// WorkerName returns the display name of worker i.
func WorkerName(i int) string {
	return "consumer-" + strconv.Itoa(i+1)
}
