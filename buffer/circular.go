// Package buffer holds the fixed-size rolling windows a chain uses to track
// recent log density and acceptance values.
package buffer

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// CircularFloat is a circular buffer of float64 with the ability to iterate
// over the first and second halves of the values collected in the order that
// they were appended.
type CircularFloat struct {
	buffer    []float64 // actual storage
	pos       int       // Current position in buffer
	BufSize   int       // BufSize is the fixed number of values maintained in memory
	Count     int       // Count is the number of values in memory. Will always be <= BufSize
	TotalSeen int64     // TotalSeen is the total number of times Add has been called
}

// NewCircularFloat creates a new circular buffer of totalSize. If totalSize
// is not a multiple of 2, it will be adjusted down (with a minimum of 2).
func NewCircularFloat(totalSize int) *CircularFloat {
	half := totalSize / 2
	if half < 1 {
		half = 1
	}
	total := half + half

	return &CircularFloat{
		buffer:  make([]float64, total),
		BufSize: total,
	}
}

func (c *CircularFloat) nextPos() int {
	return (c.pos + 1) % c.BufSize
}

// Add appends v, overwriting the oldest entry
func (c *CircularFloat) Add(v float64) {
	c.TotalSeen++

	c.buffer[c.pos] = v
	c.pos = c.nextPos()

	c.Count++
	if c.Count > c.BufSize {
		c.Count = c.BufSize // max out
	}
}

// Full is true once BufSize values have been added
func (c *CircularFloat) Full() bool {
	return c.Count == c.BufSize
}

// Mean of the values currently held (0 when empty)
func (c *CircularFloat) Mean() float64 {
	if c.Count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < c.Count; i++ {
		sum += c.buffer[i]
	}
	return sum / float64(c.Count)
}

// HalfMeans returns the means of the oldest and newest halves. ok is false
// until the buffer is full.
func (c *CircularFloat) HalfMeans() (first, second float64, ok bool) {
	if !c.Full() {
		return 0, 0, false
	}
	return c.FirstHalf().mean(), c.SecondHalf().mean(), true
}

// StdDev is the sample standard deviation of the values held (NaN with
// fewer than two)
func (c *CircularFloat) StdDev() float64 {
	if c.Count < 2 {
		return math.NaN()
	}
	return stat.StdDev(c.buffer[:c.Count], nil)
}

// Drift is the newer half mean less the older one, in standard deviations
// of the values held. ok is false until the buffer is full or when every
// value is the same.
func (c *CircularFloat) Drift() (drift float64, ok bool) {
	first, second, ok := c.HalfMeans()
	if !ok {
		return 0, false
	}
	sd := c.StdDev()
	if !(sd > 0) {
		return 0, false
	}
	return (second - first) / sd, true
}

// Reset forgets every value but keeps TotalSeen
func (c *CircularFloat) Reset() {
	c.pos = 0
	c.Count = 0
}

// FirstHalf returns an iterator over the first (oldest) half of the stored
// values. Will not return a valid iterator until Add has been called at least
// BufSize times
func (c *CircularFloat) FirstHalf() *CircularFloatIterator {
	if c.Count < c.BufSize {
		return nil
	}

	return &CircularFloatIterator{
		buf:    c,
		curr:   c.pos, // Oldest is the one we're about to write
		remain: c.BufSize / 2,
	}
}

// SecondHalf returns an iterator over the second (most recent) half of the
// stored values. Will not return a valid iterator until Add has been called at
// least BufSize times
func (c *CircularFloat) SecondHalf() *CircularFloatIterator {
	if c.Count < c.BufSize {
		return nil
	}

	half := c.BufSize / 2
	return &CircularFloatIterator{
		buf:    c,
		curr:   (c.pos + half) % c.BufSize,
		remain: half,
	}
}

// CircularFloatIterator provides an iterator over a CircularFloat buffer
type CircularFloatIterator struct {
	buf    *CircularFloat
	curr   int
	remain int
}

// Next returns True when there are more values to read via Value
func (i *CircularFloatIterator) Next() bool {
	return i.remain > 0
}

// Value return the next value to be read. Should only be called if Next() is
// True
func (i *CircularFloatIterator) Value() float64 {
	v := i.buf.buffer[i.curr]
	i.curr = (i.curr + 1) % i.buf.BufSize
	i.remain--
	return v
}

func (i *CircularFloatIterator) mean() float64 {
	n := i.remain
	sum := 0.0
	for i.Next() {
		sum += i.Value()
	}
	return sum / float64(n)
}
