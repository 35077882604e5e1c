// Package puzzle evaluates time-lock puzzle parameters. The broker never
// solves puzzles; it only computes the difficulty tag used to classify a
// task for scheduling.
package puzzle

import (
	"math/big"
	"math/bits"
)

var one = big.NewInt(1)

// Result computes baseg^(2^t) mod product. math/big performs the repeated
// squaring internally, which is arithmetically identical to 2^t sequential
// squarings.
func Result(product, baseg *big.Int, t uint64) *big.Int {
	exponent := new(big.Int).Lsh(one, uint(t))
	return new(big.Int).Exp(baseg, exponent, product)
}

// Difficulty derives the coarse classification for a puzzle. The squaring
// depth t dominates the class; the leading digits of the modular result
// spread equal-depth puzzles across sub-classes. Deterministic and
// side-effect free.
func Difficulty(product, baseg *big.Int, t uint64) int {
	return classify(Result(product, baseg, t), t)
}

func classify(result *big.Int, t uint64) int {
	depth := bits.Len64(t)
	return depth*100 + leadingDigits(result, 2)
}

// leadingDigits returns the first n decimal digits of v as an integer, or
// all digits when v is shorter.
func leadingDigits(v *big.Int, n int) int {
	digits := new(big.Int).Abs(v).String()
	if len(digits) > n {
		digits = digits[:n]
	}
	lead := 0
	for _, d := range digits {
		lead = lead*10 + int(d-'0')
	}
	return lead
}
