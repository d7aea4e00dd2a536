// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Tokenizer converts input text into the token-id sequence the workers' model
// would produce. Implementations must be deterministic for the lifetime of
// the router and safe for concurrent use.
type Tokenizer interface {
	Encode(text string) []uint32
}

// The TokenizerFunc type is an adapter to allow the use of ordinary functions
// as [Tokenizer]. If f is a function with the appropriate signature,
// TokenizerFunc(f) is a Tokenizer that calls f.
type TokenizerFunc func(text string) []uint32

// Encode calls f(text).
func (f TokenizerFunc) Encode(text string) []uint32 {
	return f(text)
}

// cachedTokenizer memoizes encode results. Routed prompts frequently repeat
// their leading text, and encoding is by far the most expensive synchronous
// step of a dispatch.
type cachedTokenizer struct {
	inner Tokenizer
	cache *lru.Cache[string, []uint32]
}

func newCachedTokenizer(inner Tokenizer, size int) (*cachedTokenizer, error) {
	cache, err := lru.New[string, []uint32](size)
	if err != nil {
		return nil, err
	}
	return &cachedTokenizer{inner: inner, cache: cache}, nil
}

func (t *cachedTokenizer) Encode(text string) []uint32 {
	if ids, ok := t.cache.Get(text); ok {
		return ids
	}
	ids := t.inner.Encode(text)
	t.cache.Add(text, ids)
	return ids
}
