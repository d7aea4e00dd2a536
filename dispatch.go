// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-uuid"
)

// generateRequest is the part of the inbound payload the router interprets.
// Every other field is opaque and forwarded verbatim.
type generateRequest struct {
	Text string `json:"text"`
}

// Dispatch routes a generate request to a worker and returns the worker's raw
// response body. The body must be a JSON object carrying at least a text
// field; all other fields are forwarded unchanged.
//
// Under the [Affinity] policy, the request's token sequence is scored against
// every worker tree, the chosen tree optimistically tracks the full sequence
// while the request is in flight, and is reconciled down to the prefix length
// the worker reports having cached. On transport failure or cancellation the
// optimistic reference is released and the error is returned to the caller.
func (r *Router) Dispatch(ctx context.Context, body []byte) ([]byte, error) {
	workers := r.Workers()
	if len(workers) == 0 {
		return nil, ErrNoWorker
	}

	switch r.policy {
	case RoundRobin:
		// nolint:gosec
		w := workers[int((r.rr.Add(1)-1)%uint64(len(workers)))]
		return r.forward(ctx, w, body)
	case Random:
		w := workers[rand.IntN(len(workers))]
		return r.forward(ctx, w, body)
	default:
		return r.dispatchAffinity(ctx, workers, body)
	}
}

// forward sends the request to the given worker without touching any affinity
// state.
func (r *Router) forward(ctx context.Context, w *Worker, body []byte) ([]byte, error) {
	reqID := requestID()
	start := time.Now()
	out, err := r.transport.Generate(ctx, w.address, body)
	if err != nil {
		r.logger.Error("dispatch failed",
			slog.String(LoggerRequestKey, reqID),
			slog.String(LoggerWorkerKey, w.id),
			slog.String(LoggerPolicyKey, r.policy.String()),
			slog.String(LoggerErrorKey, err.Error()),
		)
		return nil, err
	}
	r.logger.Info("request completed",
		slog.String(LoggerRequestKey, reqID),
		slog.String(LoggerWorkerKey, w.id),
		slog.String(LoggerPolicyKey, r.policy.String()),
		slog.Duration(LoggerLatencyKey, time.Since(start)),
	)
	return out, nil
}

func (r *Router) dispatchAffinity(ctx context.Context, workers []*Worker, body []byte) ([]byte, error) {
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	ids := r.tokenizer.Encode(req.Text)
	selected, rate := r.selectWorker(workers, ids)

	// Assume the worker will cache the whole sequence until it reports
	// otherwise.
	selected.tree.Insert(ids)
	selected.inflight.Add(1)

	reqID := requestID()
	r.logger.Debug("dispatching",
		slog.String(LoggerRequestKey, reqID),
		slog.String(LoggerWorkerKey, selected.id),
		slog.Float64(LoggerRateKey, rate),
		slog.Int(LoggerTokensKey, len(ids)),
	)

	start := time.Now()
	out, err := r.transport.Generate(ctx, selected.address, body)
	if err != nil {
		r.reconcileFailed(selected, ids)
		r.logger.Error("dispatch failed",
			slog.String(LoggerRequestKey, reqID),
			slog.String(LoggerWorkerKey, selected.id),
			slog.String(LoggerErrorKey, err.Error()),
		)
		return nil, err
	}

	ct, err := cachedTokens(out, len(ids))
	if err != nil {
		r.reconcileFailed(selected, ids)
		r.logger.Error("dispatch failed",
			slog.String(LoggerRequestKey, reqID),
			slog.String(LoggerWorkerKey, selected.id),
			slog.String(LoggerErrorKey, err.Error()),
		)
		return nil, err
	}

	// Replace the optimistic full-sequence reference with the prefix the
	// worker actually cached.
	if err := selected.tree.Delete(ids); err != nil {
		selected.inflight.Add(-1)
		return nil, err
	}
	selected.tree.Insert(ids[:ct])
	selected.inflight.Add(-1)

	r.logger.Info("request completed",
		slog.String(LoggerRequestKey, reqID),
		slog.String(LoggerWorkerKey, selected.id),
		slog.Int(LoggerTokensKey, len(ids)),
		slog.Int(LoggerCachedKey, ct),
		slog.Duration(LoggerLatencyKey, time.Since(start)),
	)
	return out, nil
}

// selectWorker scores the sequence against every worker tree and returns the
// best match if its rate is strictly above the affinity threshold, otherwise
// the worker with the fewest in-flight requests. Ties are broken by
// registration order in both cases.
func (r *Router) selectWorker(workers []*Worker, ids []uint32) (*Worker, float64) {
	var best *Worker
	var bestRate float64
	if len(ids) > 0 {
		for _, w := range workers {
			matched := w.tree.PrefixMatch(ids)
			rate := float64(len(matched)) / float64(len(ids))
			if best == nil || rate > bestRate {
				best, bestRate = w, rate
			}
		}
		if bestRate > r.threshold {
			return best, bestRate
		}
	}

	selected := workers[0]
	minInflight := selected.inflight.Load()
	for _, w := range workers[1:] {
		if n := w.inflight.Load(); n < minInflight {
			selected, minInflight = w, n
		}
	}
	return selected, bestRate
}

// reconcileFailed releases the optimistic reference taken before forwarding.
// With no reconciliation data available, nothing is re-inserted.
func (r *Router) reconcileFailed(w *Worker, ids []uint32) {
	if err := w.tree.Delete(ids); err != nil {
		r.logger.Error("failed to release in-flight sequence",
			slog.String(LoggerWorkerKey, w.id),
			slog.String(LoggerErrorKey, err.Error()),
		)
	}
	w.inflight.Add(-1)
}

func requestID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "unknown"
	}
	return id
}
