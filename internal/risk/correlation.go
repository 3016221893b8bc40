package risk

import "math"

// Pearson correlates the aligned tails of a and b. ok is false when fewer than
// minSamples overlapping points exist or either series is flat.
func Pearson(a, b []float64, minSamples int) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 || n < minSamples {
		return 0, false
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	r := cov / math.Sqrt(varA*varB)
	if math.IsNaN(r) {
		return 0, false
	}
	return r, true
}
