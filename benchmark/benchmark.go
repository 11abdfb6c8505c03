package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/client"
	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
)

// Generates flagCount semi-valid flags per connection and fires them at the
// submission server. No result checking is done, total time and flags/second
// are reported.
//
// USAGE: benchmark [<connections>] [<host:port>]
const flagCount = 20000

var log = &logger.ColorLogger{Prefix: "Benchmark ", Color: true, Level: logger.LOG_LEVEL_INFO}

func main() {
	connections := 1
	addr := "localhost:31337"
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid connection count: %s\nUSAGE: %s [<connections>] [<host:port>]\n", os.Args[1], os.Args[0])
			os.Exit(2)
		}
		connections = n
	}
	if len(os.Args) > 2 {
		addr = os.Args[2]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("Configuration: %v", err)
		os.Exit(1)
	}

	if os.Getenv("BENCHMARK_LOG") != "" {
		client.CreateLog(uuid.New().String())
		defer client.FlushLog()
	}

	var done sync.WaitGroup
	begin := time.Now()
	for i := 0; i < connections; i++ {
		done.Add(1)
		go func(seed int64) {
			defer done.Done()
			run(cfg, addr, seed)
		}(int64(i))
	}
	done.Wait()
	elapsed := time.Since(begin)

	total := int64(flagCount) * int64(connections)
	log.Info("Sent %s flags over %d connection(s) in %v", humanize.Comma(total), connections, elapsed)
	log.Info("=> %s flags/second", humanize.Comma(int64(float64(total)/elapsed.Seconds())))
}

func run(cfg *config.Config, addr string, seed int64) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + 31*seed))
	c := client.NewClient(cfg.FlagPrefix, cfg.Secret)
	if err := c.Dial(addr); err != nil {
		os.Exit(1)
	}
	defer c.Close()

	codec := c.Codec()
	lines := make([]string, 0, 100)
	for i := 0; i < flagCount; i += len(lines) {
		lines = lines[:0]
		for j := 0; j < 100 && i+j < flagCount; j++ {
			f := &flags.Flag{
				Round:     uint16(rnd.Intn(0x8000)),
				TeamID:    uint16(rnd.Intn(10) + 2),
				ServiceID: uint16(rnd.Intn(5) + 2),
				Payload:   uint16(rnd.Intn(0x10000)),
			}
			codec.Seal(f)
			lines = append(lines, codec.Encode(f))
		}
		if _, err := c.Pipeline(lines); err != nil {
			log.Error("Submission failed: %v", err)
			return
		}
	}
}
