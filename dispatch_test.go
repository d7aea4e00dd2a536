// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numericTokenizer maps whitespace separated numbers to their token ids, so
// tests spell out the exact sequences the dispatcher sees.
var numericTokenizer = TokenizerFunc(func(text string) []uint32 {
	fields := strings.Fields(text)
	ids := make([]uint32, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	return ids
})

// fakeTransport records the target of every forwarded request and replies
// with a canned body or error.
type fakeTransport struct {
	mu      sync.Mutex
	targets []string
	reply   func(address string, body []byte) ([]byte, error)
}

func (ft *fakeTransport) Generate(_ context.Context, address string, body []byte) ([]byte, error) {
	ft.mu.Lock()
	ft.targets = append(ft.targets, address)
	ft.mu.Unlock()
	return ft.reply(address, body)
}

func (ft *fakeTransport) dispatched() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.targets...)
}

func replyCached(n int) func(string, []byte) ([]byte, error) {
	return func(string, []byte) ([]byte, error) {
		return []byte(fmt.Sprintf(`{"meta_info":{"cached_tokens":%d}}`, n)), nil
	}
}

func newTestRouter(t *testing.T, ft Transport, opts ...GlobalOption) *Router {
	t.Helper()
	opts = append([]GlobalOption{WithTransport(ft), WithLogHandler(discardLogHandler())}, opts...)
	r, err := New(numericTokenizer, opts...)
	require.NoError(t, err)
	require.NoError(t, r.AddWorker("w1", "http://w1"))
	require.NoError(t, r.AddWorker("w2", "http://w2"))
	return r
}

func TestDispatchAffinitySelection(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(5)}
	r := newTestRouter(t, ft)

	// Warm up w1 as if it had already cached the shared prompt prefix.
	r.Worker("w1").Tree().Insert([]uint32{100, 200, 300, 400, 500})

	out, err := r.Dispatch(context.Background(), []byte(`{"text":"100 200 300 400 500 600"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta_info":{"cached_tokens":5}}`, string(out))

	// Match rate 5/6 > 0.80 sticks the request to w1.
	require.Equal(t, []string{"http://w1"}, ft.dispatched())

	tree := r.Worker("w1").Tree()
	require.Equal(t, 2, tree.Len())
	assert.Equal(t, []uint32{100, 200, 300, 400, 500},
		tree.PrefixMatch([]uint32{100, 200, 300, 400, 500}))
	// The optimistic full-sequence reference has been pruned back to the
	// cached prefix.
	assert.Equal(t, []uint32{100, 200, 300, 400, 500},
		tree.PrefixMatch([]uint32{100, 200, 300, 400, 500, 600}))
	assert.Equal(t, int64(0), r.Worker("w1").Inflight())
}

func TestDispatchLoadBalancingFallback(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(2)}
	r := newTestRouter(t, ft)

	// Both trees empty: match rate 0 on every worker, not above the
	// threshold, so the least loaded worker wins with registration order
	// breaking the tie.
	_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"http://w1"}, ft.dispatched())

	// w1 now holds one settled sequence but zero in-flight; both workers are
	// tied again and w1 keeps winning.
	_, err = r.Dispatch(context.Background(), []byte(`{"text":"8 9"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"http://w1", "http://w1"}, ft.dispatched())
}

func TestDispatchPrefersLeastLoaded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 2)
	ft := &fakeTransport{reply: func(address string, _ []byte) ([]byte, error) {
		entered <- address
		<-release
		return []byte(`{"meta_info":{"cached_tokens":0}}`), nil
	}}
	r := newTestRouter(t, ft)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2 3"}`))
		assert.NoError(t, err)
	}()

	// First request parked on w1; the next one must go to the idle w2.
	require.Equal(t, "http://w1", <-entered)
	require.Eventually(t, func() bool {
		return r.Worker("w1").Inflight() == 1
	}, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Dispatch(context.Background(), []byte(`{"text":"4 5 6"}`))
		assert.NoError(t, err)
	}()
	require.Equal(t, "http://w2", <-entered)

	close(release)
	wg.Wait()
	assert.Equal(t, int64(0), r.Worker("w1").Inflight())
	assert.Equal(t, int64(0), r.Worker("w2").Inflight())
}

func TestDispatchTransportFailure(t *testing.T) {
	ft := &fakeTransport{reply: func(string, []byte) ([]byte, error) {
		return nil, fmt.Errorf("%w: connection refused", ErrTransportFailure)
	}}
	r := newTestRouter(t, ft)

	_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2 3"}`))
	require.ErrorIs(t, err, ErrTransportFailure)

	// The optimistic reference is released and nothing is re-inserted.
	assert.Equal(t, 0, r.Worker("w1").Tree().Len())
	assert.Equal(t, int64(0), r.Worker("w1").Inflight())
}

func TestDispatchMalformedResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "missing meta_info", body: `{"foo":"bar"}`},
		{name: "missing cached_tokens", body: `{"meta_info":{}}`},
		{name: "negative", body: `{"meta_info":{"cached_tokens":-1}}`},
		{name: "beyond sequence length", body: `{"meta_info":{"cached_tokens":4}}`},
		{name: "not json", body: `boom`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := &fakeTransport{reply: func(string, []byte) ([]byte, error) {
				return []byte(tc.body), nil
			}}
			r := newTestRouter(t, ft)

			_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2 3"}`))
			require.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, 0, r.Worker("w1").Tree().Len())
			assert.Equal(t, int64(0), r.Worker("w1").Inflight())
		})
	}
}

func TestDispatchCancellation(t *testing.T) {
	entered := make(chan struct{})
	ft := &fakeTransport{reply: func(string, []byte) ([]byte, error) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		return nil, fmt.Errorf("%w: %s", ErrTransportFailure, context.Canceled)
	}}
	r := newTestRouter(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(ctx, []byte(`{"text":"1 2 3"}`))
		done <- err
	}()

	<-entered
	assert.Equal(t, 1, r.Worker("w1").Tree().Len())
	assert.Equal(t, int64(1), r.Worker("w1").Inflight())
	cancel()

	require.ErrorIs(t, <-done, ErrTransportFailure)
	assert.Equal(t, 0, r.Worker("w1").Tree().Len())
	assert.Equal(t, int64(0), r.Worker("w1").Inflight())
}

func TestDispatchReconcileAfterWorkerRemoved(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{reply: func(string, []byte) ([]byte, error) {
		close(entered)
		<-release
		return []byte(`{"meta_info":{"cached_tokens":1}}`), nil
	}}
	r := newTestRouter(t, ft)

	done := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2 3"}`))
		done <- err
	}()

	<-entered
	orphan := r.Worker("w1")
	require.NoError(t, r.RemoveWorker("w1"))
	close(release)

	// The in-flight request still completes; its reconciliation lands on the
	// orphaned tree and disappears with it.
	require.NoError(t, <-done)
	assert.False(t, r.HasWorker("w1"))
	assert.Equal(t, 1, orphan.Tree().Len())
}

func TestDispatchEmptySequence(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(0)}
	r := newTestRouter(t, ft)

	// No tokens means no affinity signal: the request is load balanced and
	// tracked as an empty sequence until reconciled.
	_, err := r.Dispatch(context.Background(), []byte(`{"text":""}`))
	require.NoError(t, err)
	require.Equal(t, []string{"http://w1"}, ft.dispatched())
	assert.Equal(t, int64(0), r.Worker("w1").Inflight())
}

func TestDispatchInvalidBody(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(0)}
	r := newTestRouter(t, ft)

	_, err := r.Dispatch(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, ft.dispatched())
}

func TestDispatchNoWorker(t *testing.T) {
	r, err := New(numericTokenizer, WithLogHandler(discardLogHandler()))
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), []byte(`{"text":"1"}`))
	require.ErrorIs(t, err, ErrNoWorker)
}

func TestDispatchRoundRobin(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(0)}
	r := newTestRouter(t, ft, WithPolicy(RoundRobin))

	for i := 0; i < 4; i++ {
		_, err := r.Dispatch(context.Background(), []byte(`{"text":"1 2 3"}`))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"http://w1", "http://w2", "http://w1", "http://w2"}, ft.dispatched())
	// Round robin never touches the affinity state.
	assert.Equal(t, 0, r.Worker("w1").Tree().Len())
	assert.Equal(t, 0, r.Worker("w2").Tree().Len())
}

func TestDispatchRandom(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(0)}
	r := newTestRouter(t, ft, WithPolicy(Random))

	for i := 0; i < 16; i++ {
		_, err := r.Dispatch(context.Background(), []byte(`{"text":"1"}`))
		require.NoError(t, err)
	}

	require.Len(t, ft.dispatched(), 16)
	for _, target := range ft.dispatched() {
		assert.Contains(t, []string{"http://w1", "http://w2"}, target)
	}
}

func TestDispatchConcurrent(t *testing.T) {
	ft := &fakeTransport{reply: replyCached(0)}
	r := newTestRouter(t, ft)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"text":"%d %d %d"}`, i%8, (i+1)%8, (i+2)%8)
			_, err := r.Dispatch(context.Background(), []byte(body))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, w := range r.Workers() {
		assert.Equal(t, int64(0), w.Inflight())
		total += w.Tree().Len()
		checkInvariants(t, w.Tree())
	}
	// Every request settled down to the empty cached prefix.
	assert.Equal(t, 64, total)
}
