package sampler

import (
	"math"
)

// dualAveraging tunes the step size so the mean acceptance statistic
// approaches delta (Nesterov dual averaging as used by Hoffman & Gelman).
type dualAveraging struct {
	delta float64
	gamma float64
	kappa float64
	t0    float64

	mu      float64
	counter float64
	sBar    float64
	xBar    float64
}

func newDualAveraging(delta float64) *dualAveraging {
	return &dualAveraging{delta: delta, gamma: 0.05, kappa: 0.75, t0: 10}
}

// restart forgets the history and centres the search on log(10 eps)
func (d *dualAveraging) restart(eps float64) {
	d.mu = math.Log(10 * eps)
	d.counter = 0
	d.sBar = 0
	d.xBar = 0
}

// learn folds in one acceptance statistic and returns the next step size
func (d *dualAveraging) learn(accept float64) float64 {
	d.counter++
	if accept > 1 {
		accept = 1
	}

	eta := 1.0 / (d.counter + d.t0)
	d.sBar = (1-eta)*d.sBar + eta*(d.delta-accept)

	x := d.mu - d.sBar*math.Sqrt(d.counter)/d.gamma
	xEta := math.Pow(d.counter, -d.kappa)
	d.xBar = (1-xEta)*d.xBar + xEta*x

	return math.Exp(x)
}

// final is the step size to freeze at the end of warm-up
func (d *dualAveraging) final() float64 {
	return math.Exp(d.xBar)
}

// windows schedules metric adaptation over warm-up: a fast initial buffer,
// doubling slow windows, then a fast terminal buffer.
type windows struct {
	warmup     int
	initBuffer int
	termBuffer int
	baseWindow int
	off        bool // too short to adapt the metric

	counter    int
	windowSize int
	nextWindow int
}

// Default buffer sizes, scaled down for short warm-ups
const (
	defaultInitBuffer = 75
	defaultTermBuffer = 50
	defaultBaseWindow = 25
)

func newWindows(warmup int) *windows {
	w := &windows{
		warmup:     warmup,
		initBuffer: defaultInitBuffer,
		termBuffer: defaultTermBuffer,
		baseWindow: defaultBaseWindow,
	}

	if warmup < 20 {
		w.off = true
	} else if w.initBuffer+w.termBuffer+w.baseWindow > warmup {
		w.initBuffer = int(0.15 * float64(warmup))
		w.termBuffer = int(0.1 * float64(warmup))
		w.baseWindow = warmup - (w.initBuffer + w.termBuffer)
	}

	w.restart()
	return w
}

func (w *windows) restart() {
	w.counter = 0
	w.windowSize = w.baseWindow
	w.nextWindow = w.initBuffer + w.windowSize - 1
}

// inSlow is true while the current iteration belongs to a slow window
func (w *windows) inSlow() bool {
	return !w.off &&
		w.counter >= w.initBuffer &&
		w.counter < w.warmup-w.termBuffer &&
		w.counter != w.warmup
}

func (w *windows) endOfSlow() bool {
	return !w.off && w.counter == w.nextWindow && w.counter != w.warmup
}

func (w *windows) computeNext() {
	if w.nextWindow == w.warmup-w.termBuffer-1 {
		return
	}

	w.windowSize *= 2
	w.nextWindow = w.counter + w.windowSize

	if w.nextWindow != w.warmup-w.termBuffer-1 {
		boundary := w.nextWindow + 2*w.windowSize
		if boundary >= w.warmup-w.termBuffer {
			w.nextWindow = w.warmup - w.termBuffer - 1
		}
	}
}

// learn records q for the current warm-up iteration. It returns true when a
// slow window just closed and est holds that window's positions, which the
// caller must consume before the next call.
func (w *windows) learn(q []float64, est *windowEstimator) bool {
	if w.inSlow() {
		est.add(q)
	}

	if w.endOfSlow() {
		w.computeNext()
		w.counter++
		return true
	}

	w.counter++
	return false
}

// phase reports where warm-up iteration it falls
func (w *windows) phase(it int) Phase {
	switch {
	case it >= w.warmup:
		return PhaseSampling
	case w.off || it < w.initBuffer:
		return PhaseStepAdaptation
	}
	return PhaseMetricAdaptation
}
