// Package fatcache implements the bounded directory-entry cache (C7)
// consulted by the FAT32 volume before it walks the on-disk directory
// chain for a path it has already resolved once.
package fatcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"
)

// Kind distinguishes a cached directory from a cached file, matching
// fat32.DirEntry's own file/dir split.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

type record struct {
	Kind         Kind
	FirstCluster uint32
	DirCluster   uint32 // parent directory's cluster, for the path fast path
	Name         string
	AbsolutePath string
	PathHash     uint64
}

// Cache is a bounded LRU keyed by first-cluster index, with a secondary
// path-hash index so a lookup by absolute path doesn't need to walk the
// primary map (§4.7). Each cache instance is seeded independently so two
// volumes mounted in the same process don't share hash collisions.
type Cache struct {
	mu       sync.Mutex
	seed     uint32
	byCluster *lru.Cache[uint32, *record]
	byPathHash map[uint64]uint32 // path hash -> first cluster
	collisions int
}

// New builds a cache holding up to capacity entries. capacity must be
// positive; New panics on a non-positive capacity since a zero-size LRU
// cannot usefully distinguish "empty" from "misconfigured".
func New(capacity int, seed uint32) *Cache {
	c := &Cache{
		seed:       seed,
		byPathHash: make(map[uint64]uint32),
	}
	byCluster, err := lru.NewWithEvict[uint32, *record](capacity, c.onEvict)
	if err != nil {
		panic(err)
	}
	c.byCluster = byCluster
	return c
}

func (c *Cache) onEvict(cluster uint32, rec *record) {
	if rec == nil {
		return
	}
	delete(c.byPathHash, rec.PathHash)
}

func (c *Cache) pathHash(absPath string) uint64 {
	return murmur3.Sum64WithSeed([]byte(absPath), c.seed)
}

// Add records that absPath resolves to an entry whose own first cluster
// is firstCluster, inside the directory at dirCluster. kind is one of
// KindFile/KindDir; it is typed as a plain string (rather than Kind) so
// *Cache satisfies fat32.DirectoryCache without fat32 importing this
// package's Kind type.
//
// Per §4.7, if either the cluster key or the path-hash key already
// exists, Add increments the collision counter and returns without
// inserting — it never overwrites an existing entry.
func (c *Cache) Add(kind string, firstCluster, dirCluster uint32, name, absPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.pathHash(absPath)
	if _, ok := c.byPathHash[h]; ok {
		c.collisions++
		return
	}
	if _, ok := c.byCluster.Peek(firstCluster); ok {
		c.collisions++
		return
	}
	c.byPathHash[h] = firstCluster
	c.byCluster.Add(firstCluster, &record{
		Kind:         Kind(kind),
		FirstCluster: firstCluster,
		DirCluster:   dirCluster,
		Name:         name,
		AbsolutePath: absPath,
		PathHash:     h,
	})
}

// FindByPath looks up a cached entry by its absolute path hash, then
// verifies the stored absolute path string against absPath (§4.7: guards
// against a 64-bit hash collision serving the wrong entry). On a
// verified hit it returns the entry's *parent* directory cluster, since
// that's what a caller needs to rescan for the final path segment
// without walking the whole path from root again.
func (c *Cache) FindByPath(absPath string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.pathHash(absPath)
	cluster, ok := c.byPathHash[h]
	if !ok {
		return 0, false
	}
	rec, ok := c.byCluster.Get(cluster)
	if !ok {
		// evicted from the primary map without going through onEvict
		// (shouldn't happen, but keeps the indices from drifting apart).
		delete(c.byPathHash, h)
		return 0, false
	}
	if rec.AbsolutePath != absPath {
		return 0, false
	}
	return rec.DirCluster, true
}

// Remove drops any cached entry for firstCluster, e.g. after a delete
// or rename invalidates it.
func (c *Cache) Remove(firstCluster uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCluster.Remove(firstCluster)
}

// Clear empties the cache, called when a volume unmounts.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCluster.Purge()
	c.byPathHash = make(map[uint64]uint32)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byCluster.Len()
}

// Collisions reports how many Add calls were rejected because the path
// hash or the cluster key was already present.
func (c *Cache) Collisions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collisions
}
