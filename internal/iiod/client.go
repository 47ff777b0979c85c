// Package iiod implements the ASCII command protocol spoken by the Linux
// Industrial I/O daemon (iiod). It covers the subset needed to configure an
// AD9361-class transceiver and stream samples through device buffers.
package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/sdrbench/internal/logging"
)

// DefaultPort is the TCP port iiod listens on.
const DefaultPort = 30431

// Error reports a negative status returned by iiod for a command.
type Error struct {
	Cmd  string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("iiod: %s returned errno %d", e.Cmd, -e.Code)
}

// ErrNotConnected is returned by operations on a closed client.
var ErrNotConnected = errors.New("iiod: not connected")

// ErrBroken is returned once a transfer failed partway. The session may hold
// unread reply bytes or owe the server payload, so it must be redialed.
var ErrBroken = errors.New("iiod: session out of sync")

// timeoutMargin is added on top of twice the server timeout to form the
// local socket deadline.
const timeoutMargin = 100 * time.Millisecond

// Client is a single ASCII iiod session. Commands are serialized; iiod
// processes one request per connection at a time.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	broken  bool
	log     logging.Logger
}

// Dial connects to iiod at addr. A missing port defaults to DefaultPort.
func Dial(ctx context.Context, addr string, log logging.Logger) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to iiod %s: %w", addr, err)
	}
	return NewClient(conn, log), nil
}

// NewClient wraps an established connection, e.g. a tunnel or a test pipe.
func NewClient(conn net.Conn, log logging.Logger) *Client {
	if log == nil {
		log = logging.Default()
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64*1024),
		timeout: 5 * time.Second,
		log:     log.With(logging.F("subsystem", "iiod")),
	}
}

// Close terminates the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SetTimeout asks the server to bound its blocking buffer operations by d, so
// a slow READBUF or WRITEBUF ends with -ETIMEDOUT and the session stays in
// sync. The local socket deadline becomes 2*d plus a margin and only fires
// when the server does not answer at all. d <= 0 disables both.
func (c *Client) SetTimeout(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	ret, err := c.exec(fmt.Sprintf("TIMEOUT %d", d.Milliseconds()))
	if err != nil {
		return err
	}
	if ret < 0 {
		return &Error{Cmd: "TIMEOUT", Code: ret}
	}
	c.timeout = 0
	if d > 0 {
		c.timeout = 2*d + timeoutMargin
	}
	return nil
}

// Broken reports whether a failed transfer left the session out of sync.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// SetReadBuffer sizes the kernel receive buffer of TCP sessions.
func (c *Client) SetReadBuffer(bytes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tcp, ok := c.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcp.SetReadBuffer(bytes)
}

// Version returns the server's version line, e.g. "0.25 v0.25 ".
func (c *Client) Version() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLine("VERSION"); err != nil {
		return "", err
	}
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// PrintXML fetches the XML description of the IIO context.
func (c *Client) PrintXML() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.exec("PRINT")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &Error{Cmd: "PRINT", Code: n}
	}
	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return nil, fmt.Errorf("read context xml: %w", err)
	}
	if err := c.skipNewline(); err != nil {
		return nil, err
	}
	return buf, nil
}

// ListDevices returns the devices described by the context XML.
func (c *Client) ListDevices() ([]Device, error) {
	raw, err := c.PrintXML()
	if err != nil {
		return nil, err
	}
	ctx, err := ParseContext(raw)
	if err != nil {
		return nil, err
	}
	return ctx.Devices, nil
}

// ReadAttr reads a device attribute (channel == "") or a channel attribute.
func (c *Client) ReadAttr(dev, channel string, output bool, attr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := attrTarget("READ", dev, channel, output, attr)
	n, err := c.exec(cmd)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", &Error{Cmd: cmd, Code: n}
	}
	buf := make([]byte, n)
	if err := c.readFull(buf); err != nil {
		return "", fmt.Errorf("read attribute %s: %w", attr, err)
	}
	if err := c.skipNewline(); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00\n"), nil
}

// WriteAttr writes value to a device or channel attribute.
func (c *Client) WriteAttr(dev, channel string, output bool, attr, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("%s %d", attrTarget("WRITE", dev, channel, output, attr), len(value))
	c.log.Debug("write attribute", logging.F("cmd", cmd), logging.F("value", value))
	if err := c.writeLine(cmd); err != nil {
		return err
	}
	if err := c.writeAll([]byte(value)); err != nil {
		return err
	}
	ret, err := c.readInteger()
	if err != nil {
		return err
	}
	if ret < 0 {
		return &Error{Cmd: cmd, Code: ret}
	}
	return nil
}

// OpenBuffer opens a streaming buffer of samples per channel. mask selects
// the enabled scan elements, one bit per channel.
func (c *Client) OpenBuffer(dev string, samples int, mask uint32, cyclic bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("OPEN %s %d %08x", dev, samples, mask)
	if cyclic {
		cmd += " CYCLIC"
	}
	ret, err := c.exec(cmd)
	if err != nil {
		return err
	}
	if ret < 0 {
		return &Error{Cmd: cmd, Code: ret}
	}
	return nil
}

// CloseBuffer closes the streaming buffer of dev.
func (c *Client) CloseBuffer(dev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret, err := c.exec("CLOSE " + dev)
	if err != nil {
		return err
	}
	if ret < 0 {
		return &Error{Cmd: "CLOSE " + dev, Code: ret}
	}
	return nil
}

// ReadBuffer fills dst with raw interleaved samples from dev's buffer. The
// server answers in chunks, each announced by a byte count and a channel mask
// line. A zero count ends the transfer early; the number of bytes received is
// returned.
func (c *Client) ReadBuffer(dev string, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("READBUF %s %d", dev, len(dst))
	if err := c.writeLine(cmd); err != nil {
		return 0, err
	}

	total := 0
	for total < len(dst) {
		n, err := c.readInteger()
		if err != nil {
			return total, err
		}
		if n < 0 {
			return total, &Error{Cmd: cmd, Code: n}
		}
		if n == 0 {
			break
		}
		// channel mask line
		if _, err := c.readLine(); err != nil {
			return total, err
		}
		if total+n > len(dst) {
			c.broken = true
			return total, fmt.Errorf("iiod: READBUF chunk of %d bytes overruns request", n)
		}
		if err := c.readFull(dst[total : total+n]); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// WriteBuffer pushes raw interleaved samples into dev's buffer and returns the
// number of bytes accepted by the server.
func (c *Client) WriteBuffer(dev string, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := fmt.Sprintf("WRITEBUF %s %d", dev, len(data))
	if err := c.writeLine(cmd); err != nil {
		return 0, err
	}
	if err := c.writeAll(data); err != nil {
		return 0, err
	}
	ret, err := c.readInteger()
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, &Error{Cmd: cmd, Code: ret}
	}
	return ret, nil
}

func attrTarget(verb, dev, channel string, output bool, attr string) string {
	if channel == "" {
		return fmt.Sprintf("%s %s %s", verb, dev, attr)
	}
	dir := "INPUT"
	if output {
		dir = "OUTPUT"
	}
	return fmt.Sprintf("%s %s %s %s %s", verb, dev, dir, channel, attr)
}

// exec sends one command line and reads the integer status reply.
func (c *Client) exec(cmd string) (int, error) {
	if err := c.writeLine(cmd); err != nil {
		return 0, err
	}
	return c.readInteger()
}

func (c *Client) writeLine(cmd string) error {
	return c.writeAll([]byte(cmd + "\r\n"))
}

func (c *Client) writeAll(b []byte) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			c.broken = true
			return fmt.Errorf("iiod write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (c *Client) usable() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.broken {
		return ErrBroken
	}
	return nil
}

func (c *Client) applyReadDeadline() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return nil
}

// readInteger reads one status line. Blank lines are skipped.
func (c *Client) readInteger() (int, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			c.broken = true
			return 0, fmt.Errorf("iiod: parse status %q: %w", line, err)
		}
		return v, nil
	}
}

func (c *Client) readLine() (string, error) {
	if err := c.applyReadDeadline(); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.broken = true
		return "", fmt.Errorf("iiod read: %w", err)
	}
	return line, nil
}

func (c *Client) readFull(b []byte) error {
	if err := c.applyReadDeadline(); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.r, b); err != nil {
		c.broken = true
		return fmt.Errorf("iiod read: %w", err)
	}
	return nil
}

func (c *Client) skipNewline() error {
	if err := c.applyReadDeadline(); err != nil {
		return err
	}
	b, err := c.r.ReadByte()
	if err != nil {
		c.broken = true
		return fmt.Errorf("iiod read: %w", err)
	}
	if b != '\n' {
		return c.r.UnreadByte()
	}
	return nil
}
