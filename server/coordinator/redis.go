// Package coordinator subscribes to the game coordination store (Redis) and
// mirrors the current round and run-state into atomic words the hot path can
// read without coordination.
package coordinator

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mason-leap-lab/go-utils/logger"
	"github.com/mason-leap-lab/redeo/resp"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/global"
)

// Run states advertised on timing:state.
const (
	Stopped   = 1
	Suspended = 2
	Running   = 3
)

const (
	currentStateKey = "timing:state"
	currentRoundKey = "timing:currentRound"

	clientName     = "submission_server"
	reconnectDelay = 3 * time.Second
)

var errUnexpectedReply = errors.New("unexpected reply type")

// Client A permanently reconnecting subscriber. The zero round is -1 until
// the store is reachable; the expiry check degrades gracefully in that case.
type Client struct {
	cfg *config.Config
	log logger.Logger

	round int32
	state int32

	// OnRoundChange receives the just-completed round on transitions.
	OnRoundChange func(oldRound int)

	mu     sync.Mutex
	conn   net.Conn
	closed int32
	done   chan struct{}
}

func New(cfg *config.Config) *Client {
	return &Client{
		cfg:   cfg,
		log:   &logger.ColorLogger{Prefix: "Redis ", Level: global.Log.GetLevel(), Color: true},
		round: -1,
		state: Stopped,
		done:  make(chan struct{}),
	}
}

// CurrentRound The round last advertised by the store, -1 if never learned.
func (c *Client) CurrentRound() int {
	return int(atomic.LoadInt32(&c.round))
}

// State One of Stopped, Suspended, Running.
func (c *Client) State() int {
	return int(atomic.LoadInt32(&c.state))
}

// Start runs the connect/serve/reconnect loop until Close.
func (c *Client) Start() {
	go func() {
		for atomic.LoadInt32(&c.closed) == 0 {
			if err := c.connectAndServe(); err != nil && atomic.LoadInt32(&c.closed) == 0 {
				c.log.Warn("Disconnected: %v", err)
			}
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
				c.log.Info("Reconnecting...")
			}
		}
	}()
}

func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) setConn(cn net.Conn) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
}

func (c *Client) connectAndServe() error {
	cn, err := net.Dial("tcp", c.cfg.RedisAddr())
	if err != nil {
		return err
	}
	defer cn.Close()
	c.setConn(cn)
	defer c.setConn(nil)

	w := resp.NewRequestWriter(cn)
	r := resp.NewResponseReader(cn)

	if pw := c.cfg.Redis.Password; pw != "" {
		w.WriteCmdString("AUTH", pw)
		if err := flushAndExpectOK(w, r); err != nil {
			return fmt.Errorf("auth: %v", err)
		}
	}
	w.WriteCmdString("SELECT", strconv.Itoa(c.cfg.Redis.DB))
	if err := flushAndExpectOK(w, r); err != nil {
		return fmt.Errorf("select: %v", err)
	}
	w.WriteCmdString("CLIENT", "SETNAME", clientName)
	if err := flushAndExpectOK(w, r); err != nil {
		return fmt.Errorf("client setname: %v", err)
	}

	// initial values, then keyspace subscription
	if err := c.get(w, r, currentStateKey, c.setCurrentState); err != nil {
		return err
	}
	if err := c.get(w, r, currentRoundKey, c.setCurrentRound); err != nil {
		return err
	}

	w.WriteCmdString("SUBSCRIBE", currentStateKey)
	w.WriteCmdString("SUBSCRIBE", currentRoundKey)
	if err := w.Flush(); err != nil {
		return err
	}
	c.log.Info("Connected, watching %s and %s", currentRoundKey, currentStateKey)

	for {
		if err := c.readPush(r); err != nil {
			return err
		}
	}
}

func flushAndExpectOK(w *resp.RequestWriter, r resp.ResponseReader) error {
	if err := w.Flush(); err != nil {
		return err
	}
	t, err := r.PeekType()
	if err != nil {
		return err
	}
	switch t {
	case resp.TypeError:
		msg, err := r.ReadError()
		if err != nil {
			return err
		}
		return errors.New(msg)
	case resp.TypeInline:
		_, err := r.ReadInlineString()
		return err
	case resp.TypeBulk:
		_, err := r.ReadBulkString()
		return err
	case resp.TypeInt:
		_, err := r.ReadInt()
		return err
	}
	return errUnexpectedReply
}

func (c *Client) get(w *resp.RequestWriter, r resp.ResponseReader, key string, apply func(string)) error {
	w.WriteCmdString("GET", key)
	if err := w.Flush(); err != nil {
		return err
	}
	t, err := r.PeekType()
	if err != nil {
		return err
	}
	switch t {
	case resp.TypeNil:
		if err := r.ReadNil(); err != nil {
			return err
		}
		c.log.Info("Key %s missing. Did the game already start?", key)
		return nil
	case resp.TypeBulk:
		value, err := r.ReadBulkString()
		if err != nil {
			return err
		}
		apply(value)
		return nil
	case resp.TypeError:
		msg, err := r.ReadError()
		if err != nil {
			return err
		}
		c.log.Error("Error: %s", msg)
		return nil
	}
	return errUnexpectedReply
}

// readPush consumes one pub/sub array. Subscription confirmations are
// silently accepted, message payloads are dispatched by key.
func (c *Client) readPush(r resp.ResponseReader) error {
	t, err := r.PeekType()
	if err != nil {
		return err
	}
	if t != resp.TypeArray {
		c.log.Warn("Strange subscription message type: %v", t)
		return skipReply(r, t)
	}

	n, err := r.ReadArrayLen()
	if err != nil {
		return err
	}
	elements := make([]string, 0, n)
	for i := 0; i < n; i++ {
		et, err := r.PeekType()
		if err != nil {
			return err
		}
		switch et {
		case resp.TypeBulk:
			s, err := r.ReadBulkString()
			if err != nil {
				return err
			}
			elements = append(elements, s)
		case resp.TypeInt:
			v, err := r.ReadInt()
			if err != nil {
				return err
			}
			elements = append(elements, strconv.FormatInt(v, 10))
		case resp.TypeNil:
			if err := r.ReadNil(); err != nil {
				return err
			}
			elements = append(elements, "")
		default:
			s, err := r.ReadInlineString()
			if err != nil {
				return err
			}
			elements = append(elements, s)
		}
	}

	if len(elements) >= 3 && elements[0] == "message" {
		switch elements[1] {
		case currentRoundKey:
			c.setCurrentRound(elements[2])
		case currentStateKey:
			c.setCurrentState(elements[2])
		}
	}
	return nil
}

func skipReply(r resp.ResponseReader, t resp.ResponseType) error {
	switch t {
	case resp.TypeError:
		_, err := r.ReadError()
		return err
	case resp.TypeInline:
		_, err := r.ReadInlineString()
		return err
	case resp.TypeBulk:
		_, err := r.ReadBulkString()
		return err
	case resp.TypeInt:
		_, err := r.ReadInt()
		return err
	case resp.TypeNil:
		return r.ReadNil()
	}
	return errUnexpectedReply
}

func (c *Client) setCurrentRound(value string) {
	newRound, err := strconv.Atoi(value)
	if err != nil {
		c.log.Error("Invalid round: %s", value)
		return
	}
	oldRound := atomic.SwapInt32(&c.round, int32(newRound))
	if int32(newRound) != oldRound {
		c.log.Info("Current round: %d", newRound)
		if c.OnRoundChange != nil {
			c.OnRoundChange(int(oldRound))
		}
	}
}

func (c *Client) setCurrentState(value string) {
	var newState int32
	switch value {
	case "STOPPED":
		newState = Stopped
	case "SUSPENDED":
		newState = Suspended
	case "RUNNING":
		newState = Running
	default:
		c.log.Error("Invalid state: %s", value)
		return
	}

	if atomic.SwapInt32(&c.state, newState) != newState {
		switch newState {
		case Stopped:
			c.log.Info("CTF State: Stopped")
		case Suspended:
			c.log.Info("CTF State: Suspended")
		case Running:
			c.log.Info("CTF State: Running")
		}
	}
}
