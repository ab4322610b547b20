package media

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NoTimestamp marks an unset PTS or DTS. Rescale passes it through.
const NoTimestamp int64 = math.MinInt64

// Timebase is the length of one clock tick in seconds, as a fraction.
type Timebase struct {
	Num int64
	Den int64
}

// MPEGTSTimebase is the 90 kHz system clock used by PES timestamps.
var MPEGTSTimebase = Timebase{Num: 1, Den: 90000}

func (tb Timebase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}

// Valid reports whether both terms are positive.
func (tb Timebase) Valid() bool {
	return tb.Num > 0 && tb.Den > 0
}

// ParseTimebase parses "num/den", e.g. "1/90000".
func ParseTimebase(s string) (Timebase, error) {
	numStr, denStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Timebase{}, fmt.Errorf("media: timebase %q: want num/den", s)
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return Timebase{}, fmt.Errorf("media: timebase %q numerator: %w", s, err)
	}
	den, err := strconv.ParseInt(denStr, 10, 64)
	if err != nil {
		return Timebase{}, fmt.Errorf("media: timebase %q denominator: %w", s, err)
	}
	tb := Timebase{Num: num, Den: den}
	if !tb.Valid() {
		return Timebase{}, fmt.Errorf("media: timebase %q must be positive", s)
	}
	return tb, nil
}

// Rescale converts v from one timebase to another, rounding to the nearest
// tick with halves away from zero. NoTimestamp and math.MaxInt64 are passed
// through unchanged.
func Rescale(v int64, from, to Timebase) int64 {
	if v == NoTimestamp || v == math.MaxInt64 {
		return v
	}
	if from == to {
		return v
	}

	num := new(big.Int).Mul(big.NewInt(v), big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))

	neg := num.Sign() < 0
	num.Abs(num)
	half := new(big.Int).Rsh(den, 1)
	num.Add(num, half)
	q := num.Quo(num, den)
	if neg {
		q.Neg(q)
	}
	if !q.IsInt64() {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64 - 1
	}
	return q.Int64()
}
