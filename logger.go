// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

// Keys for "built-in" logger attributes emitted by the dispatcher.
const (
	// LoggerRequestKey is the key used by the dispatcher for the per-request
	// correlation id. The associated [slog.Value] is a string.
	LoggerRequestKey = "request"
	// LoggerWorkerKey is the key used by the dispatcher for the selected
	// worker id. The associated [slog.Value] is a string.
	LoggerWorkerKey = "worker"
	// LoggerPolicyKey is the key used by the dispatcher for the active routing
	// policy. The associated [slog.Value] is a string.
	LoggerPolicyKey = "policy"
	// LoggerRateKey is the key used by the dispatcher for the best prefix
	// match rate. The associated [slog.Value] is a float64.
	LoggerRateKey = "rate"
	// LoggerTokensKey is the key used by the dispatcher for the request token
	// count. The associated [slog.Value] is an int.
	LoggerTokensKey = "tokens"
	// LoggerCachedKey is the key used by the dispatcher for the cached token
	// count reported by the worker. The associated [slog.Value] is an int.
	LoggerCachedKey = "cached"
	// LoggerLatencyKey is the key used by the dispatcher for the worker call
	// duration. The associated [slog.Value] is a time.Duration.
	LoggerLatencyKey = "latency"
	// LoggerErrorKey is the key used by the dispatcher for forwarding
	// failures. The associated [slog.Value] is a string.
	LoggerErrorKey = "error"
)
