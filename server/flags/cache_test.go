package flags

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var cache *Cache

	BeforeEach(func() {
		cache = NewCache()
		cache.Resize(64, 16)
	})

	It("should accept a flag once per bucket window", func() {
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeFalse())
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeFalse())
		Expect(cache.CacheHits()).To(Equal(int64(2)))
		Expect(cache.CacheMisses()).To(Equal(int64(1)))
	})

	It("should accept the same tuple again a full bucket cycle later", func() {
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 3, 100+defaultRoundBuckets, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
	})

	It("should never produce a false positive for distinct tuples", func() {
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(2, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 3, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 4, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 3, 101, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 3, 100, 8)).To(BeTrue())
	})

	It("should pass out-of-range ids through without stamping", func() {
		Expect(cache.CheckFlag(0, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(0, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(65, 2, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 65, 3, 100, 7)).To(BeTrue())
		Expect(cache.CheckFlag(1, 2, 17, 100, 7)).To(BeTrue())
	})

	It("should lose its content on resize", func() {
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
		cache.Resize(128, 16)
		Expect(cache.CheckFlag(1, 2, 3, 100, 7)).To(BeTrue())
	})

	It("should count cache fails separately", func() {
		cache.CacheFailed()
		cache.CacheFailed()
		Expect(cache.CacheFails()).To(Equal(int64(2)))
	})

	It("should admit each distinct tuple exactly once under contention", func() {
		const writers = 8
		const tuples = 960 // bijective onto (team, service) pairs within bounds

		var admitted int64
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < tuples; j++ {
					// distinct (team, service) cell per tuple, shared by all writers
					team := uint16(j%60) + 1
					service := uint16(j/60) + 1
					if cache.CheckFlag(1, team, service, 100, 7) {
						atomic.AddInt64(&admitted, 1)
					}
				}
			}()
		}
		wg.Wait()

		Expect(admitted).To(Equal(int64(tuples)))
	})
})
