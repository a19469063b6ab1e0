// Package lockorder acquires pairs of mutexes in a canonical order so that two
// goroutines locking the same pair with swapped arguments cannot deadlock.
package lockorder

import "sync"

// tie serializes the rare case where two distinct mutexes share a key.
var tie sync.Mutex

// Lock2 locks a and b in the order given by their keys and returns a function
// that releases both. Keys must be stable for the lifetime of the mutexes
// (player IDs, for instance). Passing the same mutex twice locks it once.
func Lock2(a *sync.Mutex, aKey string, b *sync.Mutex, bKey string) (unlock func()) {
	switch {
	case a == b:
		a.Lock()
		return a.Unlock
	case aKey < bKey:
		a.Lock()
		b.Lock()
	case bKey < aKey:
		b.Lock()
		a.Lock()
	default:
		tie.Lock()
		a.Lock()
		b.Lock()
		return func() {
			b.Unlock()
			a.Unlock()
			tie.Unlock()
		}
	}
	return func() {
		a.Unlock()
		b.Unlock()
	}
}
