package flags

import (
	cmap "github.com/orcaman/concurrent-map"
)

// Canned responses. Every submitted line is answered with exactly one of
// these, or with an interned diagnostic answer.
const (
	AnswerEmpty         = ""
	AnswerOK            = "[OK]\n"
	AnswerWrongLength   = "[ERR] Wrong length\n"
	AnswerWrongFormat   = "[ERR] Invalid flag (wrong format)\n"
	AnswerBadBase64     = "[ERR] Invalid flag (format)\n"
	AnswerBadMAC        = "[ERR] Invalid flag\n"
	AnswerBadService    = "[ERR] Invalid flag (service)\n"
	AnswerBadTeam       = "[ERR] Invalid flag (team)\n"
	AnswerTestFlag      = "[ERR] Invalid flag (issued for testing purposes)\n"
	AnswerBadSourceIP   = "[ERR] Invalid source IP\n"
	AnswerOwnFlag       = "[ERR] This is your own flag\n"
	AnswerNopFlag       = "[ERR] Can't submit flag from NOP team\n"
	AnswerNopSubmitter  = "[ERR] Can't submit flag as NOP team\n"
	AnswerExpired       = "[ERR] Expired\n"
	AnswerAlreadyDone   = "[ERR] Already submitted\n"
	AnswerDatabaseError = "[ERR] Internal error (database)\n"
	AnswerOffline       = "[OFFLINE] CTF not running\n"
)

// answerPool deduplicates rendered diagnostic answers so identical probes
// share one string. Only the rare diagnostic paths go through here.
type answerPool struct {
	cache cmap.ConcurrentMap
}

func newAnswerPool() *answerPool {
	return &answerPool{cache: cmap.New()}
}

func (p *answerPool) get(rendered string) string {
	if p.cache.SetIfAbsent(rendered, rendered) {
		return rendered
	}
	cached, _ := p.cache.Get(rendered)
	return cached.(string)
}
