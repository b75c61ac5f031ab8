package stratum

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
)

const (
	readChunkSize = 4096
	// malformedPreview is how much of a bad line gets logged
	malformedPreview = 50
)

// ConnectFailure classifies why a connection attempt failed
type ConnectFailure string

const (
	FailureTimeout ConnectFailure = "timeout"
	FailureRefused ConnectFailure = "refused"
	FailureOther   ConnectFailure = "other"
)

// ConnectInfo describes an established connection
type ConnectInfo struct {
	ConnectTime time.Duration
	RemoteIP    string
	LocalPort   int
}

// Batch is what one Receive call collected
type Batch struct {
	Messages  []*Message
	Malformed []error
}

// Conn is a blocking, newline-framed JSON-RPC connection. It has no
// background reader; all I/O happens inside Send and Receive.
type Conn struct {
	conn         net.Conn
	logger       *log.Logger
	writeTimeout time.Duration

	buf        []byte
	peerClosed bool

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to host:port bounded by timeout
func Dial(ctx context.Context, host string, port int, timeout time.Duration, logger *log.Logger) (*Conn, ConnectInfo, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}

	start := time.Now()
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := ClassifyDialError(err)
		message := "connection timeout"
		if kind != FailureTimeout {
			message = err.Error()
		}
		return nil, ConnectInfo{}, errors.Wrap(err, errors.ErrorTypeConnection, "connect", message).
			WithContext("failure", kind).
			WithContext("address", addr)
	}

	info := ConnectInfo{ConnectTime: time.Since(start)}
	if tcp, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		info.RemoteIP = tcp.IP.String()
	}
	if tcp, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		info.LocalPort = tcp.Port
	}

	c := NewConn(nc, logger)
	c.writeTimeout = timeout
	c.logger.LogConnection("connected", nc.RemoteAddr().String())
	return c, info, nil
}

// NewConn wraps an established connection
func NewConn(nc net.Conn, logger *log.Logger) *Conn {
	return &Conn{
		conn:         nc,
		logger:       logger.WithComponent("stratum_conn"),
		writeTimeout: 30 * time.Second,
	}
}

// ClassifyDialError maps a dial error to a ConnectFailure
func ClassifyDialError(err error) ConnectFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureRefused
	}
	return FailureOther
}

// FailureOf extracts the ConnectFailure recorded on a Dial error
func FailureOf(err error) (ConnectFailure, bool) {
	kind, ok := errors.GetContext(err)["failure"].(ConnectFailure)
	return kind, ok
}

// Send writes one request line
func (c *Conn) Send(method string, params []any, id int) error {
	data, err := MarshalRequest(id, method, params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "send", "failed to encode request")
	}

	c.logger.LogStratumMessage("send", string(data))

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "send", "failed to set write deadline")
		}
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "send", "failed to write "+method).
			WithContext("method", method)
	}
	return nil
}

// Receive reads until timeout elapses or the peer closes, then returns every
// complete line parsed so far. Lines that are not valid JSON are logged and
// reported in Batch.Malformed. Bytes after the last newline are kept for the
// next call. The returned error is set only for I/O failures other than the
// deadline or EOF.
func (c *Conn) Receive(timeout time.Duration) (Batch, error) {
	var ioErr error

	if !c.peerClosed {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Batch{}, errors.Wrap(err, errors.ErrorTypeConnection, "receive", "failed to set read deadline")
		}

		chunk := make([]byte, readChunkSize)
		for {
			n, err := c.conn.Read(chunk)
			if n > 0 {
				c.buf = append(c.buf, chunk[:n]...)
			}
			if err == nil {
				continue
			}

			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				c.peerClosed = true
				c.logger.LogConnection("peer_closed", c.conn.RemoteAddr().String())
			case errors.As(err, &netErr) && netErr.Timeout():
			default:
				ioErr = errors.Wrap(err, errors.ErrorTypeConnection, "receive", "read failed")
			}
			break
		}
	}

	return c.drainLines(), ioErr
}

func (c *Conn) drainLines() Batch {
	var batch Batch
	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(c.buf[:idx])
		c.buf = c.buf[idx+1:]
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			preview := string(line)
			if len(preview) > malformedPreview {
				preview = preview[:malformedPreview]
			}
			c.logger.Warn("invalid JSON line", "line", preview, "error", err)
			batch.Malformed = append(batch.Malformed,
				errors.Wrap(err, errors.ErrorTypeProtocol, "receive", "invalid JSON line").
					WithContext("line", preview))
			continue
		}

		c.logger.LogStratumMessage("recv", string(line))
		batch.Messages = append(batch.Messages, msg)
	}
	return batch
}

// PeerClosed reports whether the remote end has closed the stream
func (c *Conn) PeerClosed() bool {
	return c.peerClosed
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.logger.LogConnection("closed", c.conn.RemoteAddr().String())
	})
	return c.closeErr
}
