package stats

import "time"

// StatsSnapshotView is the read-only measurement snapshot an endpoint
// exposes to its caller via Stats() (spec.md §3.2).
type StatsSnapshotView struct {
	DirectRTT        time.Duration
	DirectJitter     time.Duration
	DirectLoss       float64
	NextRTT          time.Duration
	NextJitter       time.Duration
	NextLoss         float64
	KbpsUp           float64
	KbpsDown         float64
	Multipath        bool
	FallbackToDirect bool
}
