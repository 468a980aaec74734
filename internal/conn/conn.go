// Package conn implements the per-mirror connection state machine: one
// TCP socket driven through a HEAD request followed by a sequence of
// ranged GET requests, streaming response bodies directly into a
// shared memory-mapped output file.
//
// Every Conn's State, Cursor and End fields are owned exclusively by
// the scheduler goroutine (internal/client.Client.Run) — this
// goroutine (the one running (*Conn).Run) never reads or writes them.
// It communicates with the scheduler purely through the Events channel
// (outgoing) and the Work channel (incoming): a Conn only ever acts on
// a chunk after receiving it over Work, and only ever reports outcomes
// by sending a value over Events, both of which are channel operations
// and so establish happens-before edges with the scheduler. No lock is
// needed because only one goroutine ever touches the shared state.
package conn

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/multimirror/multimirror/internal/chunkset"
	"github.com/multimirror/multimirror/internal/httpparse"
)

// State is a connection's place in its lifecycle. The ordering matters:
// the scheduler treats State <= Idle as "busy but assignable soon",
// and that comparison is only meaningful if Connect, Head and Idle
// sort before every other state.
type State int

const (
	StateConnect State = iota
	StateHead
	StateIdle
	StateGetHeaders
	StateGetCopy
	StateGetDirect
	StateFailed
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateHead:
		return "HEAD"
	case StateIdle:
		return "IDLE"
	case StateGetHeaders:
		return "GET_HEADERS"
	case StateGetCopy:
		return "GET_COPY"
	case StateGetDirect:
		return "GET_DIRECT"
	case StateFailed:
		return "FAILED"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Stats are rolling per-connection transfer counters. They are updated
// directly by the connection's own goroutine and read concurrently by
// the progress reporter's ticker goroutine with no channel or lock
// between them, so every field is an atomic: these feed a display, not
// a correctness invariant, but an actual data race is never acceptable
// just because the consequence is cosmetic.
type Stats struct {
	startNano atomic.Int64
	bytes     atomic.Int64
}

func (s *Stats) start(t time.Time) { s.startNano.Store(t.UnixNano()) }
func (s *Stats) add(n int64)       { s.bytes.Add(n) }

// Snapshot returns the accumulated byte count and the time transfer
// began (the zero Time if it hasn't yet).
func (s *Stats) Snapshot() (time.Time, int64) {
	sn := s.startNano.Load()
	if sn == 0 {
		return time.Time{}, s.bytes.Load()
	}
	return time.Unix(0, sn), s.bytes.Load()
}

// RatePerSecond is the average transfer rate since Snapshot's start
// time, as of now.
func (s *Stats) RatePerSecond(now time.Time) float64 {
	start, bytes := s.Snapshot()
	dt := now.Sub(start)
	if start.IsZero() || dt <= 0 {
		return 0
	}
	return float64(bytes) / dt.Seconds()
}

// HeadDecision is how the scheduler answers a Conn's request to learn
// or validate the file size discovered from its mirror's HEAD
// response — the first connection to report a size wins and creates
// the file; every later one is just checked against it.
type HeadDecision struct {
	Accept bool
	Err    error // non-nil explains a rejection (length mismatch)
}

// Event is sent from a Conn's goroutine back to the scheduler.
type Event interface{ isConnEvent() }

// EventHeadSize asks the scheduler whether to adopt size as the file's
// length (first responder) or validate it against the already-known
// length. Reply must receive exactly one HeadDecision.
type EventHeadSize struct {
	Conn  *Conn
	Size  uint64
	Reply chan HeadDecision
}

func (EventHeadSize) isConnEvent() {}

// EventIdle reports the connection reached IDLE (HEAD succeeded, or a
// GET finished draining its chunk). The scheduler should reschedule.
type EventIdle struct{ Conn *Conn }

func (EventIdle) isConnEvent() {}

// EventDone reports a connection's terminal outcome. Failed is true for
// any error path; false covers both a peer's clean close and the
// scheduler's own request to close an idle connection. Leftover is the
// unfinished suffix of whatever chunk was in flight, if any.
type EventDone struct {
	Conn     *Conn
	Failed   bool
	Err      error
	Leftover chunkset.Chunk
}

func (EventDone) isConnEvent() {}

// Conn is one TCP connection to one resolved mirror.
type Conn struct {
	Host      string
	Port      uint16
	Path      string
	Addr      net.IP
	UserAgent string

	// State, Cursor and End are scheduler-owned; see package doc.
	State         State
	Cursor, End   uint64
	Stats         Stats

	Work   chan chunkset.Chunk
	Events chan<- Event

	netConn net.Conn
	mapping []byte
	scratch []byte
}

// New constructs a Conn bound to the given mirror. The output mapping
// is not known at construction time in general (a connection can be
// the very one whose HEAD response causes the file to be created), so
// it is bound later via BindMapping.
func New(host string, port uint16, path string, addr net.IP, userAgent string, events chan<- Event) *Conn {
	return &Conn{
		Host:      host,
		Port:      port,
		Path:      path,
		Addr:      addr,
		UserAgent: userAgent,
		State:     StateConnect,
		Work:      make(chan chunkset.Chunk),
		Events:    events,
		scratch:   make([]byte, 64*1024),
	}
}

// BindMapping attaches the output file's memory mapping once the
// scheduler has created it. It must be called, for every Conn, before
// any chunk is ever sent on that Conn's Work channel — the scheduler
// guarantees this since chunks only exist once the mapping does. The
// write is safe without synchronization beyond that ordering: this
// Conn's own goroutine never reads the mapping until it receives a
// chunk over Work, and that channel receive happens-after this call.
func (c *Conn) BindMapping(m []byte) { c.mapping = m }

// HostPort renders the Host header value ("host:port"), matching the
// original source's host_port field.
func (c *Conn) HostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func (c *Conn) dialAddr() string {
	return net.JoinHostPort(c.Addr.String(), strconv.Itoa(int(c.Port)))
}

// Run drives the connection's full lifecycle: dial, HEAD, then GETs
// until the scheduler closes c.Work. It must run on its own goroutine.
func (c *Conn) Run() {
	nc, err := net.Dial("tcp4", c.dialAddr())
	if err != nil {
		c.Events <- EventDone{Conn: c, Failed: true, Err: fmt.Errorf("connect to %s: %w", c.HostPort(), err)}
		return
	}
	c.netConn = nc
	defer nc.Close()
	c.Stats.start(time.Now())

	if err := c.sendHead(); err != nil {
		c.Events <- EventDone{Conn: c, Failed: true, Err: err}
		return
	}
	if err := c.readHead(); err != nil {
		c.Events <- EventDone{Conn: c, Failed: true, Err: err}
		return
	}
	c.Events <- EventIdle{Conn: c}

	for {
		chunk, ok := <-c.Work
		if !ok {
			c.Events <- EventDone{Conn: c, Failed: false}
			return
		}

		leftover, err := c.runGet(chunk)
		if err != nil {
			c.Events <- EventDone{Conn: c, Failed: true, Err: err, Leftover: leftover}
			return
		}
		c.Events <- EventIdle{Conn: c}
	}
}

func (c *Conn) sendHead() error {
	req := "HEAD " + c.Path + " HTTP/1.1\r\n" +
		"Host: " + c.HostPort() + "\r\n" +
		"User-Agent: " + c.UserAgent + "\r\n" +
		"Connection: keep-alive\r\n\r\n"
	_, err := c.netConn.Write([]byte(req))
	if err != nil {
		return fmt.Errorf("send HEAD to %s: %w", c.HostPort(), err)
	}
	return nil
}

func (c *Conn) readHead() error {
	p := httpparse.Get()
	defer httpparse.Put(p)

	var statusCode int
	var sizeKnown bool
	var size uint64

	p.Callbacks = httpparse.Callbacks{
		OnStatus: func(code int, _ string) error {
			statusCode = code
			return nil
		},
		OnHeader: func(name, value string) error {
			if eqFold(name, "Content-Length") {
				n, err := parseUint(value)
				if err != nil {
					return fmt.Errorf("malformed Content-Length from %s: %w", c.HostPort(), err)
				}
				size = n
				sizeKnown = true
			}
			return nil
		},
		OnHeadersComplete: func() (bool, error) {
			if statusCode != 200 {
				return true, fmt.Errorf("HEAD %s returned status %d", c.HostPort(), statusCode)
			}
			if !sizeKnown {
				return true, fmt.Errorf("HEAD %s did not return Content-Length", c.HostPort())
			}
			reply := make(chan HeadDecision, 1)
			c.Events <- EventHeadSize{Conn: c, Size: size, Reply: reply}
			decision := <-reply
			if !decision.Accept {
				return true, decision.Err
			}
			return true, nil // HEAD never carries a body
		},
	}

	return c.pump(p)
}

// runGet issues a ranged GET for chunk and streams the response body
// directly into the mapping's [chunk.Off, chunk.Off+chunk.Len) region.
// It returns the unfinished suffix of chunk on any failure.
func (c *Conn) runGet(chunk chunkset.Chunk) (chunkset.Chunk, error) {
	begin := chunk.Off
	end := chunk.Off + chunk.Len

	req := "GET " + c.Path + " HTTP/1.1\r\n" +
		"Host: " + c.HostPort() + "\r\n" +
		fmt.Sprintf("Range: bytes=%d-%d\r\n", begin, end-1) +
		"User-Agent: " + c.UserAgent + "\r\n" +
		"Connection: keep-alive\r\n\r\n"
	if _, err := c.netConn.Write([]byte(req)); err != nil {
		return chunkset.Chunk{Off: begin, Len: end - begin}, fmt.Errorf("send GET to %s: %w", c.HostPort(), err)
	}

	p := httpparse.Get()
	defer httpparse.Put(p)

	cursor := begin
	var statusCode int
	headersDone := false

	p.Callbacks = httpparse.Callbacks{
		OnStatus: func(code int, _ string) error {
			statusCode = code
			return nil
		},
		OnHeadersComplete: func() (bool, error) {
			headersDone = true
			if statusCode != 206 {
				return false, fmt.Errorf("GET %s returned status %d", c.HostPort(), statusCode)
			}
			return false, nil
		},
		OnBody: func(data []byte) (int, error) {
			if cursor+uint64(len(data)) > end {
				return 0, fmt.Errorf("server %s overflowed requested range", c.HostPort())
			}
			// data is often already the mapping region itself (see the
			// bodyBuf case in pumpInto below, the GET_DIRECT zero-copy
			// path); copy is a same-region no-op in that case and a real
			// copy for any trailing body bytes read alongside headers
			// (GET_COPY) in a single syscall read.
			copy(c.mapping[cursor:cursor+uint64(len(data))], data)
			cursor += uint64(len(data))
			return len(data), nil
		},
		OnMessageComplete: func() error {
			if cursor != end {
				return fmt.Errorf("incomplete range from %s: got %d of %d bytes", c.HostPort(), cursor-begin, end-begin)
			}
			return nil
		},
	}

	bodyBuf := func() []byte {
		if !headersDone || cursor >= end {
			return nil
		}
		return c.mapping[cursor:end]
	}

	err := c.pumpInto(p, bodyBuf)
	if cursor < end {
		return chunkset.Chunk{Off: cursor, Len: end - cursor}, firstNonNil(err, fmt.Errorf("short read from %s", c.HostPort()))
	}
	return chunkset.Chunk{}, err
}

// pump feeds socket reads to p until it reports a complete message or
// an unrecoverable parse/callback/IO error occurs. It always reads
// into the connection's scratch buffer; use pumpInto for a reader that
// can also stream straight into the output mapping.
func (c *Conn) pump(p *httpparse.Parser) error {
	return c.pumpInto(p, nil)
}

// pumpInto is pump, but before each socket read it asks bodyBuf (if
// non-nil) for a destination slice; a non-nil result is used in place
// of the scratch buffer. This is what lets a GET's body land directly
// in the memory-mapped output file instead of being staged through an
// intermediate buffer: once headers are parsed, bodyBuf starts
// returning the unfilled suffix of the mapping region this connection
// owns.
func (c *Conn) pumpInto(p *httpparse.Parser, bodyBuf func() []byte) error {
	for {
		buf := c.scratch
		if bodyBuf != nil {
			if bb := bodyBuf(); bb != nil {
				buf = bb
			}
		}

		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.Stats.add(int64(n))
			consumed := 0
			for consumed < n {
				m, perr := p.Execute(buf[consumed:n])
				consumed += m
				if perr != nil {
					return perr
				}
				if p.Done() {
					return nil
				}
				if m == 0 {
					break
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// Close, in the original source, releases the socket and hands any
// unfinished suffix of the active chunk back to the pool. In this
// port runGet computes that suffix from its own cursor and Run sends it
// as EventDone.Leftover; the scheduler pushes it back into the chunk
// set. Conn itself has no exported Close because the scheduler
// closes a connection by closing its Work channel (for an idle
// connection) or simply stops using it once a terminal Event arrives
// (the underlying socket is closed by (*Conn).Run's own defer).

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func parseUint(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
