// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"sync/atomic"
)

// Worker represents a registered inference worker. Each worker owns the radix
// tree mirroring its believed KV-cache contents and an in-flight counter of
// dispatched but not yet reconciled requests.
//
// A Worker outlives its registration: a dispatch holding a reference to a
// removed worker keeps reconciling against the orphaned tree, invisibly to
// new requests.
type Worker struct {
	id       string
	address  string
	tree     *Tree
	inflight atomic.Int64
}

func newWorker(id, address string) *Worker {
	return &Worker{
		id:      id,
		address: address,
		tree:    NewTree(),
	}
}

// ID returns the stable identifier under which the worker was registered.
func (w *Worker) ID() string {
	return w.id
}

// Address returns the worker base address, e.g. http://10.0.0.3:30001.
func (w *Worker) Address() string {
	return w.address
}

// Inflight returns the number of outstanding requests dispatched to the
// worker. The value is a point-in-time snapshot.
func (w *Worker) Inflight() int64 {
	return w.inflight.Load()
}

// Tree returns the radix tree tracking the worker's believed cache contents.
func (w *Worker) Tree() *Tree {
	return w.tree
}
