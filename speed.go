package main

import "math"

// MinTickerLength is the floor applied to the message length before the
// duration lookup, so very short messages still scroll at a readable pace.
const MinTickerLength = 10

// speedDivisors maps a speed code to its length divisor. Speed 1 is never
// rounded; the other codes round half up.
var speedDivisors = map[int]float64{
	1: 1,
	2: 1.25,
	3: 1.5,
	4: 1.75,
	5: 2,
}

const defaultSpeedDivisor = 1.5

// TickerLength counts UTF-16 code units, which is how the browser measures
// the string that ends up scrolling.
func TickerLength(message string) int {
	n := 0
	for _, r := range message {
		if r > 0xFFFF {
			n += 2
			continue
		}
		n++
	}
	if n < MinTickerLength {
		return MinTickerLength
	}
	return n
}

// TickerSeconds maps an (already clamped) length and a speed code to the
// animation duration in seconds. Unknown codes use length/1.5 unrounded.
func TickerSeconds(length, speed int) float64 {
	l := float64(length)
	div, ok := speedDivisors[speed]
	switch {
	case !ok:
		return l / defaultSpeedDivisor
	case speed == 1:
		return l / div
	default:
		return roundHalfUp(l / div)
	}
}

// TickerDurationCSS formats seconds as a CSS animation-duration value.
func TickerDurationCSS(seconds float64) string {
	return FormatNumber(seconds) + "s"
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
