// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of independent jobs (e.g.: graphs being fused) run in
// parallel.
//
// Fusion passes mutate their graph, so parallelism is only across graphs: each job must own
// the graph it works on.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers.
type Pool struct {
	// maxParallelism is the limit of jobs running at the same time. 0 runs jobs inline. New
	// converts negative values to runtime.NumCPU().
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
}

// New returns a new Pool with the given parallelism. If maxParallelism is 0 jobs run inline
// (sequentially, in the caller's goroutine), if it is negative it is set to runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism < 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of jobs running at the same time. 0 means jobs run inline.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// IsParallel returns whether jobs run in their own goroutines.
func (w *Pool) IsParallel() bool {
	return w.maxParallelism > 0
}

// Start waits until a worker is available and runs job on it. Without parallelism, it runs
// job inline and returns when it is finished.
func (w *Pool) Start(job func()) {
	if !w.IsParallel() {
		job()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		job()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait for all started jobs to finish.
func (w *Pool) Wait() {
	w.wg.Wait()
}

// Map runs fn(i) for i in [0, n) on the pool, and waits for all of them to finish.
// Results should be stored by index, since the order of execution is not defined.
func (w *Pool) Map(n int, fn func(i int)) {
	for i := range n {
		w.Start(func() { fn(i) })
	}
	w.Wait()
}
