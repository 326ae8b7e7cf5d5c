package telem

import "time"

// Point is one timestamped history entry. Entries are never mutated after
// insertion.
type Point[T any] struct {
	At    time.Time
	Value T
}

// series is a bounded time-windowed history. Two caps apply at once: a
// maximum age and a maximum point count. Age eviction runs first, then
// the count cap trims from the oldest remaining.
type series[T any] struct {
	window    time.Duration
	maxPoints int
	pts       []Point[T]
}

func newSeries[T any](window time.Duration, maxPoints int) *series[T] {
	return &series[T]{window: window, maxPoints: maxPoints}
}

func (s *series[T]) append(at time.Time, v T) {
	s.pts = append(s.pts, Point[T]{At: at, Value: v})
	s.evict(at)
}

func (s *series[T]) evict(now time.Time) {
	cutoff := now.Add(-s.window)

	i := 0
	for i < len(s.pts) && s.pts[i].At.Before(cutoff) {
		i++
	}
	if over := len(s.pts) - i - s.maxPoints; over > 0 {
		i += over
	}
	if i > 0 {
		s.pts = append(s.pts[:0], s.pts[i:]...)
	}
}

func (s *series[T]) len() int {
	return len(s.pts)
}

// since returns a copy of the points newer than now-window, oldest first.
func (s *series[T]) since(now time.Time, window time.Duration) []Point[T] {
	if window <= 0 || window > s.window {
		window = s.window
	}
	cutoff := now.Add(-window)

	i := 0
	for i < len(s.pts) && s.pts[i].At.Before(cutoff) {
		i++
	}

	out := make([]Point[T], len(s.pts)-i)
	copy(out, s.pts[i:])
	return out
}
