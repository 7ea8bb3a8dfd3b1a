package dsp

import (
	"gonum.org/v1/gonum/floats"
)

// Averager keeps the last Capacity magnitude traces and their running sum.
// It is not safe for concurrent use.
type Averager struct {
	capacity int
	history  [][]float64 // ring, oldest at head
	head     int
	count    int
	sum      []float64
}

// NewAverager creates an averager holding at most capacity traces
func NewAverager(capacity int) *Averager {
	if capacity < 1 {
		capacity = 1
	}
	return &Averager{
		capacity: capacity,
		history:  make([][]float64, capacity),
	}
}

// Capacity is the history depth
func (a *Averager) Capacity() int { return a.capacity }

// Len is the number of traces currently contributing to the mean
func (a *Averager) Len() int { return a.count }

// SetCapacity changes the history depth and clears the history
func (a *Averager) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	a.capacity = capacity
	a.history = make([][]float64, capacity)
	a.Reset()
}

// Reset drops every stored trace
func (a *Averager) Reset() {
	for i := range a.history {
		a.history[i] = nil
	}
	a.head = 0
	a.count = 0
	a.sum = nil
}

// Push stores a copy of trace, evicting the oldest one when full, and
// returns the element-wise mean of the traces now held. A trace whose
// length differs from the stored ones restarts the history.
func (a *Averager) Push(trace []float64) []float64 {
	if a.sum != nil && len(a.sum) != len(trace) {
		a.Reset()
	}
	if a.sum == nil {
		a.sum = make([]float64, len(trace))
	}

	t := make([]float64, len(trace))
	copy(t, trace)

	if a.count == a.capacity {
		floats.Sub(a.sum, a.history[a.head])
		a.history[a.head] = t
		a.head = (a.head + 1) % a.capacity
	} else {
		a.history[(a.head+a.count)%a.capacity] = t
		a.count++
	}
	floats.Add(a.sum, t)

	return floats.ScaleTo(make([]float64, len(a.sum)), 1/float64(a.count), a.sum)
}

// CorrectCenter replaces the centre bin with the mean of its two neighbours,
// removing the local oscillator spike. Traces shorter than 3 are untouched.
func CorrectCenter(trace []float64) {
	n := len(trace)
	if n < 3 {
		return
	}
	c := n / 2
	trace[c] = (trace[c-1] + trace[c+1]) / 2
}
