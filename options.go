// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"log/slog"
)

type GlobalOption interface {
	applyGlob(*Router)
}

type globOptionFunc func(*Router)

func (o globOptionFunc) applyGlob(r *Router) {
	o(r)
}

// WithPolicy sets the dispatch strategy. The default is [Affinity].
func WithPolicy(policy Policy) GlobalOption {
	return globOptionFunc(func(r *Router) {
		r.policy = policy
	})
}

// WithAffinityThreshold sets the match rate, exclusive, above which a request
// sticks to the best matching worker. Must be within [0, 1]; the default is
// [DefaultAffinityThreshold].
func WithAffinityThreshold(threshold float64) GlobalOption {
	return globOptionFunc(func(r *Router) {
		r.threshold = threshold
	})
}

// WithTransport sets the transport used to forward requests to workers.
// By default, requests are posted to {address}/generate with a client that
// has no timeout.
func WithTransport(transport Transport) GlobalOption {
	return globOptionFunc(func(r *Router) {
		if transport != nil {
			r.transport = transport
		}
	})
}

// WithLogHandler sets the [slog.Handler] used by the router. By default, the
// built-in pretty handler logs to os.Stdout and os.Stderr.
func WithLogHandler(handler slog.Handler) GlobalOption {
	return globOptionFunc(func(r *Router) {
		if handler != nil {
			r.logger = slog.New(handler)
		}
	})
}

// WithEncodeCache sets the size of the LRU cache memoizing tokenizer encode
// results. A size of 0 disables caching. The default is
// [DefaultEncodeCacheSize].
func WithEncodeCache(size int) GlobalOption {
	return globOptionFunc(func(r *Router) {
		if size >= 0 {
			r.cacheSize = size
		}
	})
}
