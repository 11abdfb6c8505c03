// Package statistics keeps the per-team flag counters and the connection
// counter. Readouts drain the counters via atomic exchange and render the
// CSV lines of the loopback admin channel.
//
//	echo -e 'statistics connections\nstatistics flags\nstatistics cache' | socat - tcp:localhost:31337
package statistics

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/MarkusBauer/saarctf-submission-server/server/global"
)

// FlagState Every production flag lands in exactly one category.
type FlagState int

const (
	FlagNew FlagState = iota
	FlagOld
	FlagExpired
	FlagInvalid
	FlagNop
	FlagOwn

	flagStates
)

const defaultMaxTeams = 2048

type counterLine struct {
	counters [flagStates]int64
}

var (
	connectionCounter int64
	flagCounters      unsafe.Pointer // *[]*counterLine
)

func init() {
	InitStatisticSize(defaultMaxTeams)
}

func lines() []*counterLine {
	return *(*[]*counterLine)(atomic.LoadPointer(&flagCounters))
}

// InitStatisticSize grows the counter table. Existing counters survive, the
// table never shrinks.
func InitStatisticSize(maxTeams int) {
	var old []*counterLine
	if p := atomic.LoadPointer(&flagCounters); p != nil {
		old = *(*[]*counterLine)(p)
	}
	if maxTeams < defaultMaxTeams {
		maxTeams = defaultMaxTeams
	}
	if len(old) >= maxTeams {
		return
	}
	fresh := make([]*counterLine, maxTeams)
	copy(fresh, old)
	for i := len(old); i < maxTeams; i++ {
		fresh[i] = &counterLine{}
	}
	atomic.StorePointer(&flagCounters, unsafe.Pointer(&fresh))
}

func CountFlag(submittingTeam uint16, state FlagState) {
	l := lines()
	if int(submittingTeam) < len(l) {
		atomic.AddInt64(&l[submittingTeam].counters[state], 1)
	}
}

func CountConnection() {
	atomic.AddInt64(&connectionCounter, 1)
}

// OpenFileCount Entries in /proc/self/fd, -1 if unreadable.
func OpenFileCount() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		global.Log.Warn("Couldn't open the fd directory: %v", err)
		return -1
	}
	return len(entries)
}

// ConnectionFDReport CSV line: current,delta,fd_open,fd_limit.
// Reading the delta resets the connection counter.
func ConnectionFDReport(currentConnectionCount int) string {
	var limits syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits); err != nil {
		global.Log.Warn("getrlimit: %v", err)
	}
	limit := limits.Cur
	if limits.Max > 0 && (limits.Max < limits.Cur || limits.Cur == 0) {
		limit = limits.Max
	}
	return fmt.Sprintf("%d,%d,%d,%d\n",
		currentConnectionCount,
		atomic.SwapInt64(&connectionCounter, 0),
		OpenFileCount(),
		limit)
}

// FlagReport One CSV line per team with non-zero counters:
// teamN,new,old,expired,invalid,nop,own. Reading resets the counters.
func FlagReport() []string {
	var result []string
	var line [flagStates]int64

	for teamID, counters := range lines() {
		notZero := false
		for j := FlagState(0); j < flagStates; j++ {
			c := atomic.SwapInt64(&counters.counters[j], 0)
			line[j] = c
			if c != 0 {
				notZero = true
			}
		}
		if notZero {
			result = append(result, fmt.Sprintf("team%d,%d,%d,%d,%d,%d,%d\n",
				teamID, line[0], line[1], line[2], line[3], line[4], line[5]))
		}
	}
	return result
}

// CacheReport CSV line: hits,misses,fails.
func CacheReport(hits, misses, fails int64) string {
	return fmt.Sprintf("%d,%d,%d\n", hits, misses, fails)
}
