package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/coordinator"
	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
	"github.com/MarkusBauer/saarctf-submission-server/server/ingress"
	"github.com/MarkusBauer/saarctf-submission-server/server/store"
)

var (
	log = &logger.ColorLogger{Color: true, Level: logger.LOG_LEVEL_INFO}
	sig = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	global.Log = log
}

// USAGE: server [<port>] [<threads>]
func main() {
	port := 31337
	threads := 1
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 || n > 0xffff {
			fmt.Fprintf(os.Stderr, "invalid port: %s\nUSAGE: %s [<port>] [<threads>]\n", os.Args[1], os.Args[0])
			os.Exit(2)
		}
		port = n
	}
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid thread count: %s\nUSAGE: %s [<port>] [<threads>]\n", os.Args[2], os.Args[0])
			os.Exit(2)
		}
		threads = n
	}
	if os.Getenv("DEBUG") != "" {
		global.Options.Debug = true
		global.SetLoggerLevel(logger.LOG_LEVEL_ALL)
	}
	global.Options.Port = port
	global.Options.Threads = threads

	cfg, err := config.Load()
	if err != nil {
		log.Error("Configuration: %v", err)
		os.Exit(1)
	}
	flags.Setup(cfg)

	// load table sizes from the database
	sink := store.NewSink(cfg)
	maxTeam, err := sink.MaxTeamID()
	if err != nil {
		log.Error("Could not read team count: %v", err)
		os.Exit(1)
	}
	maxService, err := sink.MaxServiceID()
	if err != nil {
		log.Error("Could not read service count: %v", err)
		os.Exit(1)
	}
	sink.Close()
	flags.InitModelSizes(startupFloor(maxTeam+2, 25), startupFloor(maxService+1, 6))

	// round and state come from the coordination store
	coord := coordinator.New(cfg)
	coord.OnRoundChange = flags.PrintFlagStatsForRound
	flags.CurrentRound = coord.CurrentRound
	flags.CurrentState = coord.State
	coord.Start()

	srv, err := ingress.NewServer(cfg, port, threads)
	if err != nil {
		log.Error("Failed to listen: %v", err)
		os.Exit(1)
	}

	go func() {
		<-sig
		log.Info("Terminating...")
		srv.Close()
		coord.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.Error("Error on serve: %v", err)
		os.Exit(1)
	}

	flags.PrintCacheStats()
	log.Info("Server closed.")
}

func startupFloor(value, floor int) uint32 {
	if value < floor {
		value = floor
	}
	return uint32(value)
}
