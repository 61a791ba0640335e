// SPDX-License-Identifier: MIT

// Package rank implements the weighted-random scoring used to pick the next
// snapshot from a queue without always choosing the absolute top scorer.
package rank

import (
	"math"
	"math/rand/v2"
)

// Rank maps a snapshot's points to a sortable weight in (-1, 1).
//
// A nil offset disables biasing entirely and yields a uniform draw, so every
// candidate is equally likely. A nil points value (an unscouted parent) ranks
// at zero, pushing its children behind every positively scored snapshot. For
// scored snapshots the weight is sign(points) * u^(1/(|points|+1+offset)) with
// u uniform in [0, 1): larger offsets flatten the bias toward high scores,
// offset zero favours them heavily, and the sign keeps negatively scored
// snapshots genuinely least likely to be picked.
func Rank(points, offset *float64) float64 {
	return rankWith(points, offset, rand.Float64)
}

func rankWith(points, offset *float64, uniform func() float64) float64 {
	if offset == nil {
		return uniform()
	}
	if points == nil {
		return 0
	}
	p := *points
	sign := 1.0
	if p < 0 {
		sign = -1.0
	}
	exp := 1.0 / (math.Abs(p) + 1.0 + *offset)
	return sign * math.Pow(uniform(), exp)
}
