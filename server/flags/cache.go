package flags

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/MarkusBauer/saarctf-submission-server/server/global"
)

// There are at most 20 flags valid at a given point in time per
// (service, team, payload). Collisions are acceptable, but expensive.
const defaultRoundBuckets = 25 + 1

// Number of flags that can be distinguished per round.
const defaultPayloadBuckets = 5

type cacheTable struct {
	cells         []uint32
	teamCount     uint32
	serviceCount  uint32
	roundBuckets  uint32
	payloadBucket uint32
}

// Cache A lossy lock-free resubmit filter. Each cell holds the combined key
// round | payload<<16 of the last flag stamped into it; a swap returning the
// same key means the flag was definitely seen. The database's uniqueness
// constraint remains the source of truth, a collision costs one round-trip.
type Cache struct {
	table unsafe.Pointer // *cacheTable

	cacheHits   int64
	cacheMisses int64
	cacheFails  int64
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) load() *cacheTable {
	return (*cacheTable)(atomic.LoadPointer(&c.table))
}

// Resize allocates a fresh zeroed table; previous content is discarded.
// Called at startup and when the team or service count grows.
func (c *Cache) Resize(teamCount, serviceCount uint32) {
	t := &cacheTable{
		teamCount:     teamCount,
		serviceCount:  serviceCount,
		roundBuckets:  defaultRoundBuckets,
		payloadBucket: defaultPayloadBuckets,
	}
	size := uint64(teamCount) * uint64(teamCount) * uint64(serviceCount) *
		uint64(t.roundBuckets) * uint64(t.payloadBucket)
	t.cells = make([]uint32, size)
	global.Log.Info("Cache memory: %s", humanize.IBytes(size*4))
	atomic.StorePointer(&c.table, unsafe.Pointer(t))
}

// CheckFlag true = flag is possibly new, false = definitely not new.
func (c *Cache) CheckFlag(submittingTeam, teamID, serviceID, round, payload uint16) bool {
	t := c.load()
	if t == nil {
		return true
	}

	// ids are [1..count], the table wants [0..count-1]; the unsigned wrap
	// makes 0 invalid
	submitter := uint32(submittingTeam) - 1
	team := uint32(teamID) - 1
	service := uint32(serviceID) - 1
	if submitter >= t.teamCount || team >= t.teamCount || service >= t.serviceCount {
		return true
	}

	// index order: cells[submitter][service][team][round bucket][payload bucket]
	index := uint64(submitter)
	index = index*uint64(t.serviceCount) + uint64(service)
	index = index*uint64(t.teamCount) + uint64(team)
	index = index*uint64(t.roundBuckets) + uint64(uint32(round)%t.roundBuckets)
	index = index*uint64(t.payloadBucket) + uint64(uint32(payload)%t.payloadBucket)

	// No collision in the combined key within a validity window: that would
	// require a flag to survive a full round-bucket cycle.
	key := uint32(round) | uint32(payload)<<16

	isNew := atomic.SwapUint32(&t.cells[index], key) != key
	if isNew {
		atomic.AddInt64(&c.cacheMisses, 1)
	} else {
		atomic.AddInt64(&c.cacheHits, 1)
	}
	return isNew
}

// CacheFailed Call when the database rejected a flag the cache had not seen.
func (c *Cache) CacheFailed() {
	atomic.AddInt64(&c.cacheFails, 1)
}

func (c *Cache) CacheHits() int64   { return atomic.LoadInt64(&c.cacheHits) }
func (c *Cache) CacheMisses() int64 { return atomic.LoadInt64(&c.cacheMisses) }
func (c *Cache) CacheFails() int64  { return atomic.LoadInt64(&c.cacheFails) }

func (c *Cache) PrintStats() {
	if c.load() == nil {
		return
	}
	hits, misses, fails := c.CacheHits(), c.CacheMisses(), c.CacheFails()
	global.Log.Info("=== Flag Cache Statistics ===")
	global.Log.Info("At %s", time.Now().Format("02.01.2006 15:04:05"))
	global.Log.Info("%s cache hits", humanize.Comma(hits))
	global.Log.Info("%s cache misses", humanize.Comma(misses))
	global.Log.Info("%s cache fails", humanize.Comma(fails))

	all := hits + misses + fails
	if all > 0 {
		global.Log.Info("Resubmits: %.1f%%", float64(hits+fails)*100.0/float64(all))
	}
	if hits+fails > 0 {
		global.Log.Info("Cached resubmits: %.1f%%", float64(hits)*100.0/float64(hits+fails))
	}
	global.Log.Info("=============================")
}
