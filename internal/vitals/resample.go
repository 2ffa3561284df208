package vitals

import "time"

// MaxResamplePoints bounds the grid ResampleEven will build.
const MaxResamplePoints = 10000

// ResampleEven linearly interpolates the series onto an even grid with the
// given step, starting at the first point. Series shorter than two points, a
// non-positive step, or a grid above MaxResamplePoints are returned as raw
// values.
func ResampleEven(s Series, step time.Duration) []float64 {
	if len(s) < 2 || step <= 0 {
		return s.Values()
	}

	start := s[0].Timestamp
	end := s[len(s)-1].Timestamp
	n := end.Sub(start) / step
	if n < 0 || n >= MaxResamplePoints {
		return s.Values()
	}
	out := make([]float64, 0, int(n)+1)

	j := 0
	for t := start; !t.After(end); t = t.Add(step) {
		for j < len(s)-2 && s[j+1].Timestamp.Before(t) {
			j++
		}
		a, b := s[j], s[j+1]
		span := b.Timestamp.Sub(a.Timestamp)
		if span <= 0 {
			out = append(out, b.Value)
			continue
		}
		frac := float64(t.Sub(a.Timestamp)) / float64(span)
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		out = append(out, a.Value+frac*(b.Value-a.Value))
	}
	return out
}
