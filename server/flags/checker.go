package flags

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/coordinator"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
	"github.com/MarkusBauer/saarctf-submission-server/server/statistics"
)

// TeamUnresolved Per-connection team cache value before the first resolution.
const TeamUnresolved = 0xffff

// Sink is the persistence contract: 1 = inserted, 0 = duplicate per
// uniqueness constraint, negative = error.
type Sink interface {
	InsertFlag(submitter, team, service, round, payload uint16, currentRound int) int
}

var (
	conf  *config.Config
	codec *Codec

	// valid team ids: [1 .. maxTeamID], valid service ids: [1 .. maxServiceID]
	maxTeamID    uint32 = 255
	maxServiceID uint32 = 10

	// DefaultCache The process-wide resubmit cache.
	DefaultCache = NewCache()

	dynamicAnswers = newAnswerPool()

	// CurrentRound and CurrentState are wired to the coordination client at
	// startup; readers may observe a slightly stale value.
	CurrentRound = func() int { return -1 }
	CurrentState = func() int { return coordinator.Stopped }
)

// Setup installs the configuration. Must be called before the first Progress.
func Setup(c *config.Config) {
	conf = c
	codec = NewCodec(c.FlagPrefix, c.Secret)
}

// InitModelSizes Might be called multiple times if services or teams are
// added. Each invocation resets the resubmit cache.
func InitModelSizes(teams, services uint32) {
	atomic.StoreUint32(&maxTeamID, teams)
	atomic.StoreUint32(&maxServiceID, services)
	DefaultCache.Resize(teams, services)
	statistics.InitStatisticSize(int(teams) + 1)
	global.Log.Info("Handling at most %d teams and %d services.", teams, services)
}

func MaxTeamID() uint32    { return atomic.LoadUint32(&maxTeamID) }
func MaxServiceID() uint32 { return atomic.LoadUint32(&maxServiceID) }

func resolveTeamID(peer [4]byte) uint16 {
	id := conf.TeamIDFromIp(peer[0], peer[1], peer[2], peer[3])
	if id == 0 {
		// 127.0.0.1 is team "1"
		return 1
	}
	return id
}

// Progress validates one submitted line and returns the response to send
// back. The check order is part of the wire contract. teamIDCache, when
// given, caches the submitter resolution across a connection's lifetime.
func Progress(line []byte, peer [4]byte, teamIDCache *uint16, sink Sink) string {
	// rtrim
	n := len(line)
	for n > 0 && line[n-1] <= ' ' {
		n--
	}
	line = line[:n]

	if len(line) == 0 {
		return AnswerEmpty
	}

	flag, err := codec.Decode(line)
	switch err {
	case nil:
	case ErrWrongLength:
		return AnswerWrongLength
	case ErrEnvelope:
		return AnswerWrongFormat
	default:
		return AnswerBadBase64
	}

	if CurrentState() != coordinator.Running && !flag.IsDiagnostic() {
		return AnswerOffline
	}

	// resolve the submitting team, cached per connection
	var thisTeam uint16
	if teamIDCache != nil {
		thisTeam = *teamIDCache
		if thisTeam == TeamUnresolved {
			thisTeam = resolveTeamID(peer)
			*teamIDCache = thisTeam
		}
	} else {
		thisTeam = resolveTeamID(peer)
	}
	if uint32(thisTeam) > MaxTeamID() || thisTeam == 0 {
		global.Log.Warn("Got connection from invalid IP: %d.%d.%d.%d", peer[0], peer[1], peer[2], peer[3])
		if flag.IsDiagnostic() {
			thisTeam = TeamUnresolved
		} else {
			return AnswerBadSourceIP
		}
	}

	if !flag.IsDiagnostic() {
		if uint32(flag.ServiceID) > MaxServiceID() {
			statistics.CountFlag(thisTeam, statistics.FlagInvalid)
			return AnswerBadService
		}
		if uint32(flag.TeamID) > MaxTeamID() {
			statistics.CountFlag(thisTeam, statistics.FlagInvalid)
			return AnswerBadTeam
		}
		if conf.NopTeamID != 0 && int(flag.TeamID) == conf.NopTeamID {
			statistics.CountFlag(thisTeam, statistics.FlagNop)
			return AnswerNopFlag
		}
		if flag.Round > 0x7fff {
			statistics.CountFlag(thisTeam, statistics.FlagInvalid)
			return AnswerTestFlag
		}
		if thisTeam == flag.TeamID {
			statistics.CountFlag(thisTeam, statistics.FlagOwn)
			return AnswerOwnFlag
		}
		if conf.NopTeamID != 0 && int(thisTeam) == conf.NopTeamID {
			statistics.CountFlag(thisTeam, statistics.FlagNop)
			return AnswerNopSubmitter
		}
		// <round issued> + <number of valid rounds> is the last round a flag
		// is valid
		if int(flag.Round)+conf.FlagRoundsValid < CurrentRound() {
			statistics.CountFlag(thisTeam, statistics.FlagExpired)
			return AnswerExpired
		}
	}

	if !codec.Verify(&flag) {
		statistics.CountFlag(thisTeam, statistics.FlagInvalid)
		return AnswerBadMAC
	}

	if flag.IsDiagnostic() {
		return answerDiagnostic(&flag, thisTeam)
	}

	if !DefaultCache.CheckFlag(thisTeam, flag.TeamID, flag.ServiceID, flag.Round, flag.Payload) {
		statistics.CountFlag(thisTeam, statistics.FlagOld)
		return AnswerAlreadyDone
	}

	switch result := sink.InsertFlag(thisTeam, flag.TeamID, flag.ServiceID, flag.Round, flag.Payload, CurrentRound()); {
	case result < 0:
		return AnswerDatabaseError
	case result == 0:
		DefaultCache.CacheFailed()
		statistics.CountFlag(thisTeam, statistics.FlagOld)
		return AnswerAlreadyDone
	}

	statistics.CountFlag(thisTeam, statistics.FlagNew)
	return AnswerOK
}

func answerDiagnostic(flag *Flag, submitter uint16) string {
	switch flag.ServiceID {
	case ServiceStatusCheck:
		return dynamicAnswers.get(fmt.Sprintf(
			"[OK] Status check passed. submitter=%d max_team_id=%d max_service_id=%d online_status=%d tick=%d nop_team_id=%d\n",
			submitter, MaxTeamID(), MaxServiceID(), CurrentState(), CurrentRound(), conf.NopTeamID))
	case ServiceTeamCheck:
		return dynamicAnswers.get(fmt.Sprintf("[OK] You are team %d\n", submitter))
	}
	return AnswerBadService
}

var (
	flagsScoredLastRound   int64
	flagsResubmitLastRound int64
)

// PrintFlagStatsForRound Summary of the just-completed round, driven by the
// coordination client on round transitions.
func PrintFlagStatsForRound(round int) {
	scored := DefaultCache.CacheMisses() - DefaultCache.CacheFails()
	resubmit := DefaultCache.CacheHits() + DefaultCache.CacheFails()
	scoredThisRound := scored - flagsScoredLastRound
	resubmitThisRound := resubmit - flagsResubmitLastRound

	if round > 0 {
		global.Log.Info("[Stats] In round %d, %s flags were submitted (%s resubmits)",
			round, humanize.Comma(scoredThisRound), humanize.Comma(resubmitThisRound))
	}

	flagsScoredLastRound = scored
	flagsResubmitLastRound = resubmit
}

// PrintCacheStats periodic operator statistics.
func PrintCacheStats() {
	DefaultCache.PrintStats()
}
