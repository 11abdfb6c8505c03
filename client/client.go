// Package client is a line-oriented submission client: it seals flags with
// the shared secret, writes them to the server and reads the response lines.
// Used by the synthetic benchmark and by end-to-end tests.
package client

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/mason-leap-lab/go-utils/logger"

	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
)

var log logger.Logger = &logger.ColorLogger{Prefix: "Client ", Level: logger.LOG_LEVEL_WARN, Color: true}

type Client struct {
	codec *flags.Codec

	conn net.Conn
	rd   *bufio.Reader
}

func NewClient(prefix string, secret [32]byte) *Client {
	return &Client{codec: flags.NewCodec(prefix, secret)}
}

// Codec The codec this client seals flags with.
func (c *Client) Codec() *flags.Codec {
	return c.codec
}

func (c *Client) Dial(addr string) error {
	log.Debug("Dialing %s...", addr)
	cn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Error("Fail to dial %s: %v", addr, err)
		return err
	}
	c.conn = cn
	c.rd = bufio.NewReader(cn)
	return nil
}

// Submit seals and sends one flag, then waits for its response line.
func (c *Client) Submit(f *flags.Flag) (string, error) {
	c.codec.Seal(f)
	return c.SubmitRaw(c.codec.Encode(f))
}

// SubmitRaw sends an already encoded line (newline included) and reads the
// response. Responses arrive in submission order.
func (c *Client) SubmitRaw(line string) (string, error) {
	begin := time.Now()
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return "", err
	}
	response, err := c.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	nanoLog(logSubmit, strings.TrimRight(line, "\n"), begin.UnixNano(),
		int64(time.Since(begin)), strings.TrimRight(response, "\n"))
	return response, nil
}

// Pipeline writes all lines first and collects the responses afterwards,
// exercising the server's write queue.
func (c *Client) Pipeline(lines []string) ([]string, error) {
	for _, line := range lines {
		if _, err := c.conn.Write([]byte(line)); err != nil {
			return nil, err
		}
	}
	responses := make([]string, 0, len(lines))
	for range lines {
		response, err := c.rd.ReadString('\n')
		if err != nil {
			return responses, err
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
