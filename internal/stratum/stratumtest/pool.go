// Package stratumtest provides a scripted in-process Stratum pool for tests.
package stratumtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// Request is a decoded client call
type Request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Client is the server side of one accepted connection
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// ReadRequest reads and decodes the next request line
func (c *Client) ReadRequest() (Request, error) {
	var req Request
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return req, fmt.Errorf("decode request %q: %w", line, err)
	}
	return req, nil
}

// Send writes lines verbatim, appending a newline to each
func (c *Client) Send(lines ...string) error {
	for _, line := range lines {
		if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw writes raw bytes without framing
func (c *Client) SendRaw(data string) error {
	_, err := io.WriteString(c.conn, data)
	return err
}

// Drain reads until the client disconnects or the wait elapses
func (c *Client) Drain(wait time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, _ = io.Copy(io.Discard, c.reader)
}

// Pool accepts a single connection and runs a script against it
type Pool struct {
	Host string
	Port int

	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	reqs []Request
	errs []error
}

// NewPool starts a pool on 127.0.0.1 running script for the first client.
// The listener and connection are closed on test cleanup.
func NewPool(t testing.TB, script func(c *Client, p *Pool)) *Pool {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().(*net.TCPAddr)
	p := &Pool{Host: addr.IP.String(), Port: addr.Port, ln: ln}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(&Client{conn: conn, reader: bufio.NewReader(conn)}, p)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		p.wg.Wait()
	})
	return p
}

// Expect reads the next request and records it, noting an error if the
// method differs from method
func (p *Pool) Expect(c *Client, method string) (Request, bool) {
	req, err := c.ReadRequest()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("expecting %s: %w", method, err))
		return req, false
	}
	p.reqs = append(p.reqs, req)
	if req.Method != method {
		p.errs = append(p.errs, fmt.Errorf("got method %q, want %q", req.Method, method))
		return req, false
	}
	return req, true
}

// Requests returns the requests recorded by Expect
func (p *Pool) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.reqs...)
}

// Errors returns script errors recorded by Expect
func (p *Pool) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

// Wait blocks until the script has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ClosedPort returns a loopback port with no listener behind it
func ClosedPort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
