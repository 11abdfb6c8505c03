// Package store is the PostgreSQL persistence sink. Each worker owns one
// Sink; handles are never shared across workers.
package store

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
)

const insertFlagStmt = "INSERT INTO submitted_flags (submitted_by, team_id, service_id, tick_issued, payload, tick_submitted) " +
	"VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING"

// Sink A lazily-connecting single-connection database handle with a
// pre-planned insert statement. Inserts use asynchronous commits, the
// resubmit cache absorbs the extra load a lost commit could cause.
type Sink struct {
	connString string
	log        logger.Logger

	db     *sql.DB
	insert *sql.Stmt
}

func NewSink(cfg *config.Config) *Sink {
	return &Sink{
		connString: cfg.PostgresConnectionString(),
		log:        &logger.ColorLogger{Prefix: "Postgres ", Level: global.Log.GetLevel(), Color: true},
	}
}

func (s *Sink) connect() error {
	if s.db != nil {
		s.disconnect()
	}
	db, err := sql.Open("postgres", s.connString)
	if err != nil {
		return err
	}
	// the sink is single-owner, keep it on one real connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("SET SESSION synchronous_commit TO OFF"); err != nil {
		s.log.Warn("Could not enable asynchronous commits: %v", err)
	}
	insert, err := db.Prepare(insertFlagStmt)
	if err != nil {
		s.log.Error("Could not prepare statement: %v", err)
		db.Close()
		return err
	}

	s.db = db
	s.insert = insert
	s.log.Info("Connection established")
	return nil
}

func (s *Sink) disconnect() {
	if s.db != nil {
		if s.insert != nil {
			s.insert.Close()
			s.insert = nil
		}
		s.db.Close()
		s.db = nil
		s.log.Info("Connection closed")
	}
}

func (s *Sink) ensureConnected() error {
	if s.db != nil {
		return nil
	}
	return s.connect()
}

// InsertFlag returns 1 if the flag was new and accepted, 0 if it was already
// present, negative values for errors.
func (s *Sink) InsertFlag(submitter, team, service, round, payload uint16, currentRound int) int {
	if err := s.ensureConnected(); err != nil {
		s.log.Error("Connection broken: %v", err)
		return -1
	}

	result, err := s.insert.Exec(
		int32(submitter), int32(team), int32(service), int32(round), int32(payload), int32(currentRound))
	if err != nil {
		s.log.Error("INSERT %v", err)
		// one reconnect attempt, the submitter's resend covers the rest
		if err := s.connect(); err != nil {
			return -1
		}
		result, err = s.insert.Exec(
			int32(submitter), int32(team), int32(service), int32(round), int32(payload), int32(currentRound))
		if err != nil {
			s.log.Error("INSERT %v", err)
			return -1
		}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.log.Error("INSERT %v", err)
		return -1
	}
	if affected == 1 {
		return 1
	}
	return 0
}

// MaxTeamID SELECT max(id) FROM teams; 0 when the table is empty.
func (s *Sink) MaxTeamID() (int, error) {
	return s.maxID("SELECT max(id) FROM teams")
}

// MaxServiceID SELECT max(id) FROM services; 0 when the table is empty.
func (s *Sink) MaxServiceID() (int, error) {
	return s.maxID("SELECT max(id) FROM services")
}

func (s *Sink) maxID(query string) (int, error) {
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}
	var maxID sql.NullInt64
	if err := s.db.QueryRow(query).Scan(&maxID); err != nil {
		s.log.Error("SELECT %v", err)
		return 0, err
	}
	if !maxID.Valid {
		return 0, nil
	}
	return int(maxID.Int64), nil
}

func (s *Sink) Close() {
	s.disconnect()
}
