package mst

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// NodeCache caches decoded, validated nodes by CID. Nodes are validated
// against a fanout and key hash, so one cache should only be shared between
// trees configured alike.
type NodeCache interface {
	// Add adds a freshly-loaded or freshly-stored node to the cache.
	Add(key, value interface{})
	// Get retrieves the already-decoded node with the given CID, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewNodeCache creates a new ARC-based node cache of the given size.
func NewNodeCache(size int) NodeCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}

type namespacedKey struct {
	ns  string
	key interface{}
}

type namespaced struct {
	cache NodeCache
	ns    string
}

// Namespace gives trees over one Blockstore their own part of a shared
// cache. A node cached for one namespace is never seen by another, so a
// block missing from a store isn't hidden by a copy cached for a different
// store.
func Namespace(cache NodeCache, ns string) NodeCache {
	return &namespaced{cache: cache, ns: ns}
}

func (n *namespaced) Add(key, value interface{}) {
	n.cache.Add(namespacedKey{n.ns, key}, value)
}

func (n *namespaced) Get(key interface{}) (interface{}, bool) {
	return n.cache.Get(namespacedKey{n.ns, key})
}

// StagedCache reads through to a base cache, which may be nil, but keeps
// what is added to it until Commit. Trees over an Overlay use one so that
// nodes whose blocks never reach the base store aren't cached.
type StagedCache struct {
	base NodeCache

	l     sync.Mutex
	added map[interface{}]interface{}
}

func NewStagedCache(base NodeCache) *StagedCache {
	return &StagedCache{base: base, added: map[interface{}]interface{}{}}
}

func (s *StagedCache) Add(key, value interface{}) {
	s.l.Lock()
	defer s.l.Unlock()
	s.added[key] = value
}

func (s *StagedCache) Get(key interface{}) (interface{}, bool) {
	s.l.Lock()
	v, ok := s.added[key]
	s.l.Unlock()
	if ok || s.base == nil {
		return v, ok
	}
	return s.base.Get(key)
}

// Commit adds everything staged to the base cache.
func (s *StagedCache) Commit() {
	s.l.Lock()
	defer s.l.Unlock()
	if s.base != nil {
		for k, v := range s.added {
			s.base.Add(k, v)
		}
	}
	s.added = map[interface{}]interface{}{}
}
