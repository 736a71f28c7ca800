package crawler

import "math"

// Popularity scores an artwork from its engagement counters. Likes and
// bookmarks are blended 55/45 and normalised by views. Works with fewer
// than 5000 views are dampened proportionally so a handful of early likes
// cannot dominate the score. The result is rounded half-up to two decimals.
func Popularity(like, bookmark, view int) float64 {
	denom := view
	if denom < 1 {
		denom = 1
	}
	score := (float64(like)*0.55 + float64(bookmark)*0.45) / float64(denom)
	if view < 5000 {
		score *= float64(view) / 5000
	}
	return math.Floor(score*100+0.5) / 100
}
