// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tigerwill90/lynx/internal/slogpretty"
)

const (
	// DefaultAffinityThreshold is the minimum prefix match rate, exclusive,
	// above which a request sticks to the best matching worker instead of
	// falling back to load balancing.
	DefaultAffinityThreshold = 0.80
	// DefaultEncodeCacheSize is the number of text to token-sequence encode
	// results memoized by the router.
	DefaultEncodeCacheSize = 1024
)

// Router is the front door of a cluster of identical inference workers. For
// each generate request it picks the worker expected to process it fastest,
// exploiting KV-cache prefix affinity when it exists and balancing load when
// it does not.
//
// The zero value is not usable; create a Router with [New]. All methods are
// safe for concurrent use.
type Router struct {
	tokenizer Tokenizer
	transport Transport
	logger    *slog.Logger

	mu      sync.RWMutex
	workers []*Worker
	index   map[string]*Worker

	rr        atomic.Uint64
	policy    Policy
	threshold float64
	cacheSize int
}

// New returns a ready to use Router. The tokenizer must produce the same
// token-id sequences as the model hosted by the workers; it may be nil only
// for policies that never consult the affinity trees.
func New(tokenizer Tokenizer, opts ...GlobalOption) (*Router, error) {
	r := &Router{
		tokenizer: tokenizer,
		policy:    Affinity,
		threshold: DefaultAffinityThreshold,
		cacheSize: DefaultEncodeCacheSize,
		index:     make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt.applyGlob(r)
	}

	if r.threshold < 0 || r.threshold > 1 {
		return nil, fmt.Errorf("%w: affinity threshold %g out of range [0, 1]", ErrInvalidConfig, r.threshold)
	}
	if r.policy == Affinity {
		if r.tokenizer == nil {
			return nil, fmt.Errorf("%w: nil tokenizer with %s policy", ErrInvalidConfig, r.policy)
		}
		if r.cacheSize > 0 {
			cached, err := newCachedTokenizer(r.tokenizer, r.cacheSize)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
			}
			r.tokenizer = cached
		}
	}
	if r.transport == nil {
		r.transport = newHTTPTransport(nil)
	}
	if r.logger == nil {
		r.logger = slog.New(slogpretty.DefaultHandler)
	}
	return r, nil
}

// Policy returns the dispatch strategy the router was built with.
func (r *Router) Policy() Policy {
	return r.policy
}

// AddWorker registers a new worker under the given stable id, creating its
// affinity tree and in-flight counter. It returns [ErrWorkerExists] if the id
// is already registered.
func (r *Router) AddWorker(id, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}
	w := newWorker(id, address)
	r.workers = append(r.workers, w)
	r.index[id] = w
	r.logger.Info("worker registered", slog.String(LoggerWorkerKey, id), slog.String("address", address))
	return nil
}

// RemoveWorker drops the worker along with its tree and in-flight counter.
// Requests already dispatched to it may still complete or fail; their
// reconciliation lands on the orphaned tree and is silently discarded with
// the worker. It returns [ErrWorkerNotFound] if the id is not registered.
func (r *Router) RemoveWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(r.index, id)
	r.workers = slices.DeleteFunc(r.workers, func(x *Worker) bool { return x == w })
	r.logger.Info("worker removed", slog.String(LoggerWorkerKey, id))
	return nil
}

// HasWorker reports whether a worker is registered under the given id.
func (r *Router) HasWorker(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// Worker returns the registered worker for the given id, or nil.
func (r *Router) Worker(id string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[id]
}

// Workers returns a snapshot of registered workers in registration order.
func (r *Router) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.workers)
}
