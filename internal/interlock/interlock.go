// Package interlock queries the external security-system peer that
// gates telescope initialization on the full flavor. The peer speaks
// the same framed MsgPack request/response protocol as talond's own RPC
// surface; each check is a one-shot dial-handshake-query-close exchange
// bounded by a deadline.
package interlock

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

const (
	maxVersion = 1

	handshakeCommand = "handshake"
	queryCommand     = "query-safe"
)

type handshakeRequest struct {
	Command string
	Seq     int
	Version int
}

type queryRequest struct {
	Command string
	Seq     int
	Key     string
}

type response struct {
	Seq   int
	Error string
}

type queryResponse struct {
	Seq    int
	Error  string
	Values map[string]bool
}

// Client checks the security interlock peer at Addr for the boolean
// published under Key.
type Client struct {
	addr    string
	key     string
	timeout time.Duration
	logger  *log.Logger
}

// NewClient returns a Client for the given peer address and key; timeout
// bounds the whole exchange.
func NewClient(addr, key string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{addr: addr, key: key, timeout: timeout, logger: logger}
}

// Check asks the peer whether the system is safe. A transport or
// protocol failure returns err != nil; a reachable peer that does not
// publish the key, or publishes false, returns (false, nil).
func (c *Client) Check(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.DialTimeout("tcp", c.addr, time.Until(deadline))
	if err != nil {
		return false, fmt.Errorf("interlock: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("interlock: set deadline: %w", err)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	dec := codec.NewDecoder(reader, &codec.MsgpackHandle{})
	enc := codec.NewEncoder(writer, &codec.MsgpackHandle{})

	send := func(obj interface{}) error {
		if err := enc.Encode(obj); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := send(&handshakeRequest{Command: handshakeCommand, Seq: 0, Version: maxVersion}); err != nil {
		return false, fmt.Errorf("interlock: handshake send: %w", err)
	}
	var hresp response
	if err := dec.Decode(&hresp); err != nil {
		return false, fmt.Errorf("interlock: handshake recv: %w", err)
	}
	if hresp.Error != "" {
		return false, fmt.Errorf("interlock: handshake: %s", hresp.Error)
	}

	if err := send(&queryRequest{Command: queryCommand, Seq: 1, Key: c.key}); err != nil {
		return false, fmt.Errorf("interlock: query send: %w", err)
	}
	var qresp queryResponse
	if err := dec.Decode(&qresp); err != nil {
		return false, fmt.Errorf("interlock: query recv: %w", err)
	}
	if qresp.Error != "" {
		return false, fmt.Errorf("interlock: query: %s", qresp.Error)
	}

	safe, known := qresp.Values[c.key]
	if !known {
		c.logger.Printf("[WARN] interlock: peer does not publish key %q", c.key)
		return false, nil
	}
	return safe, nil
}
