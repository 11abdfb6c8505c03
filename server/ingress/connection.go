package ingress

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
	"github.com/MarkusBauer/saarctf-submission-server/server/statistics"
)

const (
	// no valid submission contains more than maxLineBytes interesting
	// characters, everything beyond that in a line is dropped
	maxLineBytes = 80
	readChunk    = 256

	// stop reading while more than this many responses are outstanding
	writeBacklogLimit = 32

	idleCheckInterval = 30 * time.Second
)

var totalClients int32

// TotalClients Currently open connections.
func TotalClients() int {
	return int(atomic.LoadInt32(&totalClients))
}

// Connection A single submitter socket, pinned to one worker. The reader
// goroutine assembles lines and hands them to the worker; the worker appends
// the response to the write queue; the writer goroutine drains it.
type Connection struct {
	conn   net.Conn
	worker *Worker
	log    logger.Logger

	peer     [4]byte
	peerName string
	local    bool

	lineBuffer [maxLineBytes]byte
	lineLen    int
	lineCount  int

	// team of the submitter, resolved once per connection
	teamID uint16

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []string
	pending     int // dispatched lines whose response is not yet queued
	readClosed  bool
	writeClosed bool

	activity   int32
	idleStrike bool
	stopIdle   chan struct{}
	closeOnce  sync.Once
}

// NewConnection registers a freshly accepted socket with a worker.
func NewConnection(cn net.Conn, w *Worker) *Connection {
	c := &Connection{
		conn:     cn,
		worker:   w,
		peer:     peerIPv4(cn.RemoteAddr()),
		teamID:   flags.TeamUnresolved,
		activity: 1,
		stopIdle: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.peerName = fmt.Sprintf("%d.%d.%d.%d", c.peer[0], c.peer[1], c.peer[2], c.peer[3])
	c.local = c.peer[0] == 127
	c.log = &logger.ColorLogger{Prefix: fmt.Sprintf("Conn %s ", c.peerName), Level: global.Log.GetLevel(), Color: true}

	c.log.Debug("New connection")
	atomic.AddInt32(&totalClients, 1)
	statistics.CountConnection()
	return c
}

func peerIPv4(addr net.Addr) [4]byte {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			return [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}
		}
	}
	// non-IPv4 peers (tests, unix sockets) count as loopback
	return [4]byte{127, 0, 0, 1}
}

// Serve runs the connection until both directions are done. Call in its own
// goroutine.
func (c *Connection) Serve() {
	go c.writeLoop()
	go c.idleLoop()
	c.readLoop()
}

func (c *Connection) readLoop() {
	buf := make([]byte, readChunk)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			atomic.StoreInt32(&c.activity, 1)
			c.feed(buf[:n])

			// read back-pressure
			c.mu.Lock()
			for c.pending+len(c.queue) > writeBacklogLimit && !c.writeClosed {
				c.cond.Wait()
			}
			c.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("read error: %v", err)
			}
			break
		}
	}

	c.mu.Lock()
	c.readClosed = true
	done := c.writeClosed || (c.pending == 0 && len(c.queue) == 0)
	c.cond.Broadcast()
	c.mu.Unlock()
	if done {
		c.close()
	}
}

// feed scans a chunk for newline-terminated lines. Bytes beyond the line
// buffer are silently dropped, that is not going to be a valid flag anyway.
func (c *Connection) feed(data []byte) {
	for _, b := range data {
		if b == '\n' {
			line := string(c.lineBuffer[:c.lineLen])
			c.lineLen = 0
			c.lineCount++
			c.dispatch(line)
		} else if c.lineLen < maxLineBytes {
			c.lineBuffer[c.lineLen] = b
			c.lineLen++
		}
	}
}

// dispatch hands one line to the pinned worker. Responses come back through
// pushResponse in line order because the worker queue is FIFO.
func (c *Connection) dispatch(line string) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	w := c.worker
	if c.local {
		switch line {
		case "statistics connections":
			w.Invoke(func() {
				c.pushResponse(statistics.ConnectionFDReport(TotalClients()))
			})
			return
		case "statistics flags":
			w.Invoke(func() {
				c.pushResponse(statistics.FlagReport()...)
			})
			return
		case "statistics cache":
			w.Invoke(func() {
				cache := flags.DefaultCache
				c.pushResponse(statistics.CacheReport(cache.CacheHits(), cache.CacheMisses(), cache.CacheFails()))
			})
			return
		}
	}
	w.Invoke(func() {
		c.pushResponse(flags.Progress([]byte(line), c.peer, &c.teamID, w.sink))
	})
}

func (c *Connection) pushResponse(responses ...string) {
	c.mu.Lock()
	c.pending--
	if !c.writeClosed {
		for _, r := range responses {
			if r != "" {
				c.queue = append(c.queue, r)
			}
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Connection) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.writeClosed && !(c.readClosed && c.pending == 0) {
			c.cond.Wait()
		}
		if c.writeClosed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			// read side is done and nothing is left to answer
			c.mu.Unlock()
			c.close()
			return
		}
		head := c.queue[0]
		c.queue = c.queue[1:]
		c.cond.Broadcast()
		c.mu.Unlock()

		if _, err := io.WriteString(c.conn, head); err != nil {
			c.log.Debug("write error: %v", err)
			c.mu.Lock()
			c.queue = nil
			c.writeClosed = true
			done := c.readClosed
			c.cond.Broadcast()
			c.mu.Unlock()
			if done {
				c.close()
			}
			return
		}
	}
}

// idleLoop tears the connection down after the check fires twice with no
// intervening read activity.
func (c *Connection) idleLoop() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopIdle:
			return
		case <-ticker.C:
			if atomic.SwapInt32(&c.activity, 0) == 0 {
				if c.idleStrike {
					c.log.Debug("Closing due to inactivity")
					c.close()
					return
				}
				c.idleStrike = true
			} else {
				c.idleStrike = false
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.stopIdle)
		c.conn.Close()
		c.mu.Lock()
		c.writeClosed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		left := atomic.AddInt32(&totalClients, -1)
		c.log.Debug("Connection closed (got %d lines), %d client(s) connected", c.lineCount, left)
	})
}
