package transfer

import "time"

// speedTracker maintains an exponentially-smoothed bytes-per-second
// estimate (§3.3) from a sequence of (timestamp, cumulative bytes)
// samples.
type speedTracker struct {
	smoothing   float64
	lastAt      time.Time
	lastBytes   int64
	smoothedBPS float64
	started     bool
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{smoothing: 0.3}
}

// sample folds in a new (at, totalBytes) observation and returns the
// current smoothed speed.
func (s *speedTracker) sample(at time.Time, totalBytes int64) float64 {
	if !s.started {
		s.started = true
		s.lastAt = at
		s.lastBytes = totalBytes

		return 0
	}

	elapsed := at.Sub(s.lastAt).Seconds()
	if elapsed <= 0 {
		return s.smoothedBPS
	}

	instantaneous := float64(totalBytes-s.lastBytes) / elapsed

	if s.smoothedBPS == 0 {
		s.smoothedBPS = instantaneous
	} else {
		s.smoothedBPS = s.smoothing*instantaneous + (1-s.smoothing)*s.smoothedBPS
	}

	s.lastAt = at
	s.lastBytes = totalBytes

	return s.smoothedBPS
}
