package ingress

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
	"github.com/MarkusBauer/saarctf-submission-server/server/statistics"
	"github.com/MarkusBauer/saarctf-submission-server/server/store"
)

const (
	statsInterval   = 10 * time.Minute
	refreshInterval = time.Minute
)

// Server accepts incoming connections and hands them off to the worker pool,
// and owns the periodic maintenance timers.
type Server struct {
	cfg  *config.Config
	log  logger.Logger
	lis  net.Listener
	pool *Pool

	// acceptor-owned sink for the periodic model-size refresh
	sink *store.Sink

	closed int32
	done   chan struct{}
}

func NewServer(cfg *config.Config, port, threads int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	log := &logger.ColorLogger{Prefix: "Server ", Level: global.Log.GetLevel(), Color: true}
	log.Info("Listening on port %d", port)
	log.Info("Using %d worker threads", threads)
	return &Server{
		cfg:  cfg,
		log:  log,
		lis:  lis,
		pool: NewPool(threads, cfg),
		sink: store.NewSink(cfg),
		done: make(chan struct{}),
	}, nil
}

// Addr The bound listener address.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve blocks until Close.
func (s *Server) Serve() error {
	go s.maintenanceLoop()

	for {
		cn, err := s.lis.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) != 0 {
				return nil
			}
			return err
		}
		c := NewConnection(cn, s.pool.Next())
		go c.Serve()
	}
}

func (s *Server) maintenanceLoop() {
	stats := time.NewTicker(statsInterval)
	refresh := time.NewTicker(refreshInterval)
	defer stats.Stop()
	defer refresh.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-stats.C:
			flags.PrintCacheStats()
		case <-refresh.C:
			s.refreshModelSizes()
		}
	}
}

// refreshModelSizes re-reads the table sizes; growth resizes the resubmit
// cache. Also reports descriptor pressure.
func (s *Server) refreshModelSizes() {
	maxTeam, err := s.sink.MaxTeamID()
	if err != nil {
		s.log.Warn("Could not read team count: %v", err)
		return
	}
	maxService, err := s.sink.MaxServiceID()
	if err != nil {
		s.log.Warn("Could not read service count: %v", err)
		return
	}

	teams := flags.MaxTeamID()
	if t := uint32(maxTeam) + 1; t > teams {
		teams = t
	}
	services := flags.MaxServiceID()
	if v := uint32(maxService); v > services {
		services = v
	}
	if teams > flags.MaxTeamID() || services > flags.MaxServiceID() {
		s.log.Info("Number of teams/services changed")
		flags.InitModelSizes(teams, services)
	}

	s.log.Debug("%d connection(s) open, %d file descriptor(s) in use", TotalClients(), statistics.OpenFileCount())
}

// Close initiates an orderly shutdown: stop accepting, terminate and join the
// workers. In-flight validations run to completion, pending writes may be
// dropped.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.done)
	s.lis.Close()
	s.pool.Close()
	s.sink.Close()
}
