// Package keyedmutex implements component C: coalescing concurrent work
// per string key inside a process.
package keyedmutex

import "golang.org/x/sync/singleflight"

// Group serializes calls that share a key and coalesces concurrent callers
// onto the same in-flight result, matching spec.md §4.C's run(key, fn)
// contract. No fairness guarantee is made across keys or callers.
type Group struct {
	g singleflight.Group
}

// New returns a ready-to-use Group.
func New() *Group { return &Group{} }

// Run executes fn for key, or waits for and returns the result of an
// already in-flight call for the same key.
func (g *Group) Run(key string, fn func() (any, error)) (any, error) {
	v, err, _ := g.g.Do(key, fn)
	return v, err
}

// Forget removes key from the in-flight map, so the next Run call for key
// always executes fn rather than joining a stale result.
func (g *Group) Forget(key string) { g.g.Forget(key) }
