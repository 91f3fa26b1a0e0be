package quarry

import "sort"

// Histogram is an equal-depth histogram over a numeric column. Bucket
// boundaries are picked from the sorted sample so every bucket holds
// roughly the same number of values, which keeps estimates stable on
// skewed data.
type Histogram struct {
	// Bounds has one more entry than Counts, bucket i spans
	// [Bounds[i], Bounds[i+1]].
	Bounds []float64
	Counts []int64
	Total  int64
}

// buildHistogram sorts values in place and slices them into at most
// buckets equal-depth buckets. Returns nil for an empty sample.
func buildHistogram(values []float64, buckets int) *Histogram {
	if len(values) == 0 || buckets < 1 {
		return nil
	}
	sort.Float64s(values)
	if buckets > len(values) {
		buckets = len(values)
	}

	h := &Histogram{Total: int64(len(values))}
	h.Bounds = append(h.Bounds, values[0])
	prev := 0
	for i := 1; i <= buckets; i++ {
		next := i * len(values) / buckets
		if next <= prev {
			continue
		}
		h.Bounds = append(h.Bounds, values[next-1])
		h.Counts = append(h.Counts, int64(next-prev))
		prev = next
	}
	return h
}

// FractionBelow estimates the fraction of values strictly below v,
// interpolating linearly inside the bucket v falls into.
func (h *Histogram) FractionBelow(v float64) float64 {
	if h == nil || h.Total == 0 {
		return 0
	}
	if v <= h.Bounds[0] {
		return 0
	}
	if v > h.Bounds[len(h.Bounds)-1] {
		return 1
	}

	var below float64
	for i, count := range h.Counts {
		lo, hi := h.Bounds[i], h.Bounds[i+1]
		if v > hi {
			below += float64(count)
			continue
		}
		if hi > lo {
			below += float64(count) * (v - lo) / (hi - lo)
		}
		break
	}
	return below / float64(h.Total)
}
