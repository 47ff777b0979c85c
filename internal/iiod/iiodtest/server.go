// Package iiodtest provides an in-memory iiod server speaking the ASCII
// protocol, for exercising clients without hardware.
package iiodtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// PlutoXML is a trimmed ADALM-Pluto context description.
const PlutoXML = `<?xml version="1.0" encoding="utf-8"?><context name="network" description="fake pluto">` +
	`<device id="iio:device0" name="ad9361-phy">` +
	`<channel id="voltage0" type="input"/><channel id="voltage0" type="output"/>` +
	`<channel id="altvoltage0" type="output"/><channel id="altvoltage1" type="output"/></device>` +
	`<device id="iio:device3" name="cf-ad9361-dds-core-lpc">` +
	`<channel id="voltage0" type="output"><scan-element index="0" format="le:S16/16&gt;&gt;0"/></channel>` +
	`<channel id="voltage1" type="output"><scan-element index="1" format="le:S16/16&gt;&gt;0"/></channel>` +
	`</device>` +
	`<device id="iio:device4" name="cf-ad9361-lpc">` +
	`<channel id="voltage0" type="input"><scan-element index="0" format="le:S12/16&gt;&gt;0"/></channel>` +
	`<channel id="voltage1" type="input"><scan-element index="1" format="le:S12/16&gt;&gt;0"/></channel>` +
	`</device></context>`

// Server is a scripted iiod. Attribute writes are recorded, buffer reads
// return a repeating byte pattern and buffer writes are counted.
type Server struct {
	mu sync.Mutex

	XML string
	// RejectWrites maps an attribute name to the errno returned on WRITE.
	RejectWrites map[string]int
	// ShortRead, when positive, caps the bytes returned per READBUF.
	ShortRead int
	// ShortWrite, when positive, caps the bytes accepted per WRITEBUF.
	ShortWrite int

	attrs    map[string]string
	open     map[string]bool
	written  map[string]int
	commands []string
	timeouts []int

	stallRead int
	failRead  int
	dropWrite int
}

// NewServer returns a server describing a Pluto.
func NewServer() *Server {
	return &Server{
		XML:          PlutoXML,
		RejectWrites: map[string]int{},
		attrs:        map[string]string{},
		open:         map[string]bool{},
		written:      map[string]int{},
	}
}

// Pipe starts serving one in-memory connection and returns the client end.
func (s *Server) Pipe() net.Conn {
	client, server := net.Pipe()
	go s.Serve(server)
	return client
}

// Reject makes WRITEs to attr fail with code.
func (s *Server) Reject(attr string, code int) {
	s.mu.Lock()
	s.RejectWrites[attr] = code
	s.mu.Unlock()
}

// SetShortRead caps the bytes returned per READBUF.
func (s *Server) SetShortRead(n int) {
	s.mu.Lock()
	s.ShortRead = n
	s.mu.Unlock()
}

// StallNextRead makes the next READBUF announce a full chunk, send only n
// bytes of it and then go silent until the client hangs up.
func (s *Server) StallNextRead(n int) {
	s.mu.Lock()
	s.stallRead = n
	s.mu.Unlock()
}

// FailNextRead makes the next READBUF answer with the status code.
func (s *Server) FailNextRead(code int) {
	s.mu.Lock()
	s.failRead = code
	s.mu.Unlock()
}

// DropNextWrite makes the next WRITEBUF read n payload bytes and then close
// the connection.
func (s *Server) DropNextWrite(n int) {
	s.mu.Lock()
	s.dropWrite = n
	s.mu.Unlock()
}

// Timeouts returns the values, in milliseconds, of TIMEOUT commands received.
func (s *Server) Timeouts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.timeouts...)
}

// Count returns how often verb was received.
func (s *Server) Count(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == verb {
			n++
		}
	}
	return n
}

// Attr returns the last value written to an attribute. Channel attributes use
// the key "dev/DIR/channel/attr", device attributes "dev/attr".
func (s *Server) Attr(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Written returns the number of bytes accepted by WRITEBUF for dev.
func (s *Server) Written(dev string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[dev]
}

// IsOpen reports whether dev has an open buffer.
func (s *Server) IsOpen(dev string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[dev]
}

// Commands returns the command verbs received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Serve handles commands on conn until it is closed.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, fields[0])
		s.mu.Unlock()

		if err := s.handle(fields, r, w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(fields []string, r *bufio.Reader, w *bufio.Writer) error {
	switch fields[0] {
	case "VERSION":
		fmt.Fprint(w, "0.25 v0.25 \n")
	case "TIMEOUT":
		if len(fields) < 2 {
			fmt.Fprint(w, "-22\n")
			return nil
		}
		ms, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprint(w, "-22\n")
			return nil
		}
		s.mu.Lock()
		s.timeouts = append(s.timeouts, ms)
		s.mu.Unlock()
		fmt.Fprint(w, "0\n")
	case "PRINT":
		fmt.Fprintf(w, "%d\n%s\n", len(s.XML), s.XML)
	case "READ":
		key := strings.Join(fields[1:], "/")
		s.mu.Lock()
		v, ok := s.attrs[key]
		s.mu.Unlock()
		if !ok {
			fmt.Fprint(w, "-2\n")
			return nil
		}
		fmt.Fprintf(w, "%d\n%s\n", len(v), v)
	case "WRITE":
		if len(fields) < 4 {
			fmt.Fprint(w, "-22\n")
			return nil
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		attr := fields[len(fields)-2]
		s.mu.Lock()
		code, reject := s.RejectWrites[attr]
		if !reject {
			s.attrs[strings.Join(fields[1:len(fields)-1], "/")] = string(payload)
		}
		s.mu.Unlock()
		if reject {
			fmt.Fprintf(w, "%d\n", code)
			return nil
		}
		fmt.Fprint(w, "0\n")
	case "OPEN":
		s.mu.Lock()
		s.open[fields[1]] = true
		s.mu.Unlock()
		fmt.Fprint(w, "0\n")
	case "CLOSE":
		s.mu.Lock()
		delete(s.open, fields[1])
		s.mu.Unlock()
		fmt.Fprint(w, "0\n")
	case "READBUF":
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		s.mu.Lock()
		short := s.ShortRead
		stall, fail := s.stallRead, s.failRead
		s.stallRead, s.failRead = 0, 0
		s.mu.Unlock()
		if fail != 0 {
			fmt.Fprintf(w, "%d\n", fail)
			return nil
		}
		if stall > 0 && stall < n {
			fmt.Fprintf(w, "%d\n%08x\n", n, 3)
			for i := 0; i < stall; i++ {
				w.WriteByte(byte(i))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, r)
			return io.EOF
		}
		if short > 0 && short < n {
			n = short
		}
		fmt.Fprintf(w, "%d\n%08x\n", n, 3)
		for i := 0; i < n; i++ {
			w.WriteByte(byte(i))
		}
		if n < mustAtoi(fields[2]) {
			fmt.Fprint(w, "0\n")
		}
	case "WRITEBUF":
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		s.mu.Lock()
		drop := s.dropWrite
		s.dropWrite = 0
		s.mu.Unlock()
		if drop > 0 && drop < n {
			_, _ = io.CopyN(io.Discard, r, int64(drop))
			return io.ErrUnexpectedEOF
		}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return err
		}
		s.mu.Lock()
		if s.ShortWrite > 0 && s.ShortWrite < n {
			n = s.ShortWrite
		}
		s.written[fields[1]] += n
		s.mu.Unlock()
		fmt.Fprintf(w, "%d\n", n)
	default:
		fmt.Fprint(w, "-22\n")
	}
	return nil
}

func mustAtoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
