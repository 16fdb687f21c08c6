// Package reconciler runs a periodic background sweep that reclaims stale
// queue claims independently of any worker's own startup reclaim, so a claim
// left behind by a crashed worker surfaces even while every worker is idle.
package reconciler
