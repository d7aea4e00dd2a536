// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package lynx

import (
	"strings"
)

// Policy selects the dispatch strategy used by the router. The policy is
// chosen once at construction time.
type Policy uint8

const (
	// Affinity scores the request's token sequence against every worker tree
	// and picks the best prefix match above the affinity threshold, falling
	// back to the least loaded worker.
	Affinity Policy = iota
	// RoundRobin cycles through workers in registration order.
	RoundRobin
	// Random picks a worker uniformly at random.
	Random
)

var policies = []Policy{Affinity, RoundRobin, Random}

func (p Policy) String() string {
	switch p {
	case Affinity:
		return "AFFINITY"
	case RoundRobin:
		return "ROUND_ROBIN"
	case Random:
		return "RANDOM"
	default:
		return "UNKNOWN"
	}
}

// ParsePolicy parses a policy name, case-insensitively. On failure it returns
// an [InvalidPolicyError] listing the valid options.
func ParsePolicy(name string) (Policy, error) {
	upper := strings.ToUpper(name)
	for _, p := range policies {
		if p.String() == upper {
			return p, nil
		}
	}
	return 0, &InvalidPolicyError{Input: name, Valid: policies}
}
