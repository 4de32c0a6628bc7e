package service

import "sync"

// keyGeneration orders cache fills against invalidations for one key.
type keyGeneration struct {
	mu  sync.Mutex
	gen uint64
}

// generations tracks how many times each cache key has been invalidated. A
// load records the generation before reading the store and may only fill the
// cache if no invalidation happened since.
//
// Entries are created on invalidation or on a successful fill, so the map is
// bounded by the keys that ever held data, not by the names readers ask for.
type generations struct {
	mu   sync.Mutex
	keys map[string]*keyGeneration
}

func newGenerations() *generations {
	return &generations{keys: make(map[string]*keyGeneration)}
}

func (g *generations) entry(key string, create bool) *keyGeneration {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.keys[key]
	if !ok && create {
		e = &keyGeneration{}
		g.keys[key] = e
	}
	return e
}

// current returns the generation of key; zero if it was never invalidated.
func (g *generations) current(key string) uint64 {
	e := g.entry(key, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// bump advances key's generation. It waits for a fill of key that is already
// past its generation check, so the delete that follows always lands after it.
func (g *generations) bump(key string) {
	e := g.entry(key, true)
	e.mu.Lock()
	e.gen++
	e.mu.Unlock()
}

// fillIfCurrent runs fill while holding key's generation, provided it still
// equals seen. It reports whether fill ran.
func (g *generations) fillIfCurrent(key string, seen uint64, fill func()) bool {
	e := g.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != seen {
		return false
	}
	fill()
	return true
}
