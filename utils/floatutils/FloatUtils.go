// Package floatutils provides utilities for working with floats
package floatutils

import (
	"math"

	"gonum.org/v1/gonum/spatial/r1"
)

// Clip clips a floating point to within a minimum and maximum value.
// If the floating point exceeds max, then the function returns the max
// If min exceeds the floating point, then the function returns the min
func Clip(value, min, max float64) float64 {
	clipped := math.Min(value, max)
	return math.Max(clipped, min)
}

// ClipInterval is a wrapper to use Clip with an r1.Interval instead of
// a separate max and min value
func ClipInterval(value float64, interval r1.Interval) float64 {
	return Clip(value, interval.Min, interval.Max)
}

// ClipSlice clips every element of values in place to [min, max] and
// returns the slice.
func ClipSlice(values []float64, min, max float64) []float64 {
	for i := range values {
		values[i] = Clip(values[i], min, max)
	}
	return values
}

// Min calculates and returns the minimum float64 in a list
func Min(floats ...float64) float64 {
	min := floats[0]
	for _, val := range floats {
		if val < min {
			min = val
		}
	}
	return min
}

// Max calculates and returns the maximum float64 in a list
func Max(floats ...float64) float64 {
	max := floats[0]
	for _, val := range floats {
		if val > max {
			max = val
		}
	}
	return max
}

// Mean calculates and returns the mean of a list of float64
func Mean(floats ...float64) float64 {
	sum := 0.0
	for _, val := range floats {
		sum += val
	}
	return sum / float64(len(floats))
}

// LogSumExp computes log(sum(exp(x))) in a numerically stable way
func LogSumExp(x ...float64) float64 {
	max := Max(x...)
	if math.IsInf(max, -1) {
		return max
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}
