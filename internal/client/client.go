// Package client implements the scheduler: the single goroutine that
// owns the output file's memory mapping, the chunk set, and the set of
// mirror connections, and drives them to a completed download.
package client

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/multimirror/multimirror/internal/chunkset"
	"github.com/multimirror/multimirror/internal/conn"
	"github.com/multimirror/multimirror/internal/resolver"
)

// Target is one accepted URL, already validated and decomposed by
// internal/cli.
type Target struct {
	Host string
	Port uint16
	Path string
}

// Logger receives warn-level diagnostics for recoverable problems:
// malformed input, a DNS failure, a dropped mirror. Fatal startup
// errors are returned as plain errors instead, since the caller
// (internal/cli) decides the corresponding exit code.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Client is the scheduler. Open is called before Run starts; FileSize
// and Connections are safe to call concurrently with Run. Apart from
// those, once Run is running the Client's state is owned exclusively
// by the goroutine executing it.
type Client struct {
	UserAgent  string
	OutputPath string
	Log        Logger

	resolver   *resolver.Resolver
	resolveCh  chan resolveEvent
	connEvents chan conn.Event

	file    *os.File
	mapping mmap.MMap

	fileSize  uint64
	fileKnown bool

	// fileSizeShared/fileKnownShared mirror fileSize/fileKnown for the
	// progress reporter goroutine, which runs concurrently with the
	// scheduler and must not touch the plain fields directly.
	fileSizeShared  atomic.Uint64
	fileKnownShared atomic.Bool

	// connsShared publishes an immutable snapshot of conns for readers
	// outside the scheduler goroutine (the progress reporter, tests).
	connsShared atomic.Pointer[[]*conn.Conn]

	chunks chunkset.Set
	conns  []*conn.Conn

	pendingResolutions int
	outstandingConns   int
}

// FileSize reports the established output size, once known. Safe to
// call from any goroutine, including the progress reporter.
func (c *Client) FileSize() (size uint64, known bool) {
	return c.fileSizeShared.Load(), c.fileKnownShared.Load()
}

type resolveEvent struct {
	target Target
	result resolver.Result
}

// New constructs a Client ready to accept targets via Open.
func New(userAgent, outputPath string, log Logger) *Client {
	if log == nil {
		log = nopLogger{}
	}
	return &Client{
		UserAgent:  userAgent,
		OutputPath: outputPath,
		Log:        log,
		resolver:   &resolver.Resolver{},
		resolveCh:  make(chan resolveEvent, 16),
		connEvents: make(chan conn.Event, 64),
	}
}

// Open resolves each target asynchronously; each resolution that
// succeeds spawns a Conn bound to this Client's event channel. Open
// itself never blocks — it only starts goroutines.
func (c *Client) Open(targets []Target) {
	for _, t := range targets {
		c.pendingResolutions++
		ch := c.resolver.Query(context.Background(), t.Host, t.Port)
		go func(t Target) {
			res := <-ch
			c.resolveCh <- resolveEvent{target: t, result: res}
		}(t)
	}
}

// Run drives the scheduler loop until every connection has reached a
// terminal state and either the chunk set is empty (success) or it
// isn't (failure). It returns nil on success and a descriptive error
// otherwise; Run never calls os.Exit — that's internal/cli's job.
func (c *Client) Run() error {
	if len(c.conns) == 0 && c.pendingResolutions == 0 {
		return fmt.Errorf("no mirrors to try")
	}

	for {
		select {
		case ev := <-c.resolveCh:
			c.handleResolved(ev)
		case ev := <-c.connEvents:
			c.handleConnEvent(ev)
		}

		if c.scheduleWork() {
			break
		}
	}

	c.teardown()

	if !c.fileKnown {
		return fmt.Errorf("no mirror ever confirmed a file size")
	}
	if !c.chunks.Empty() {
		return fmt.Errorf("download failed")
	}
	return nil
}

func (c *Client) handleResolved(ev resolveEvent) {
	c.pendingResolutions--
	if ev.result.Err != nil {
		c.Log.Warnf("resolve %s: %v", ev.target.Host, ev.result.Err)
		return
	}

	cn := conn.New(ev.target.Host, ev.target.Port, ev.target.Path, ev.result.Addr, c.UserAgent, c.connEvents)
	if c.fileKnown {
		cn.BindMapping(c.mapping)
	}
	c.conns = append(c.conns, cn)
	snapshot := append([]*conn.Conn(nil), c.conns...)
	c.connsShared.Store(&snapshot)
	c.outstandingConns++
	go cn.Run()
}

func (c *Client) handleConnEvent(ev conn.Event) {
	switch e := ev.(type) {
	case conn.EventHeadSize:
		c.handleHeadSize(e)
	case conn.EventIdle:
		e.Conn.State = conn.StateIdle
	case conn.EventDone:
		c.outstandingConns--
		if e.Leftover.Len > 0 {
			c.chunks.Push(e.Leftover)
		}
		if e.Failed {
			e.Conn.State = conn.StateFailed
		} else {
			e.Conn.State = conn.StateComplete
		}
	}
}

// handleHeadSize implements the first-HEAD rendezvous: the first
// connection to report a Content-Length creates the output file and
// seeds the chunk set; any later connection's report is just
// validated against the now-known size.
func (c *Client) handleHeadSize(e conn.EventHeadSize) {
	if !c.fileKnown {
		if err := c.initFile(e.Size); err != nil {
			e.Reply <- conn.HeadDecision{Accept: false, Err: err}
			return
		}
		e.Reply <- conn.HeadDecision{Accept: true}
		return
	}
	if e.Size != c.fileSize {
		e.Reply <- conn.HeadDecision{Accept: false, Err: fmt.Errorf("length mismatch: %d vs established %d", e.Size, c.fileSize)}
		return
	}
	e.Reply <- conn.HeadDecision{Accept: true}
}

// initFile creates the output file exclusively, reserves its storage,
// maps it writable and shared, seeds the chunk set, and binds the
// mapping onto every connection created so far (future connections
// pick it up at construction time in handleResolved).
func (c *Client) initFile(size uint64) error {
	f, err := os.OpenFile(c.OutputPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	if size > 0 {
		if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size)); err != nil {
			f.Close()
			os.Remove(c.OutputPath)
			return fmt.Errorf("allocate %d bytes: %w", size, err)
		}
	} else if err := f.Truncate(0); err != nil {
		f.Close()
		os.Remove(c.OutputPath)
		return fmt.Errorf("truncate output file: %w", err)
	}

	var m mmap.MMap
	if size > 0 {
		m, err = mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
		if err != nil {
			f.Close()
			os.Remove(c.OutputPath)
			return fmt.Errorf("mmap output file: %w", err)
		}
	}

	c.file = f
	c.mapping = m
	c.fileSize = size
	c.fileKnown = true
	c.fileSizeShared.Store(size)
	c.fileKnownShared.Store(true)
	c.chunks.Seed(size)

	for _, cn := range c.conns {
		cn.BindMapping(c.mapping)
	}
	return nil
}

// scheduleWork assigns chunks to idle connections and decides whether
// the download is over. It returns true once the termination rule
// fires and every connection has reported its terminal EventDone (so
// Run can safely tear down).
func (c *Client) scheduleWork() bool {
	assignable := 0
	for _, cn := range c.conns {
		if cn.State <= conn.StateIdle {
			assignable++
		}
	}
	c.chunks.Balance(assignable)

	for _, cn := range c.conns {
		if cn.State != conn.StateIdle {
			continue
		}
		chunk, ok := c.chunks.TakeOne()
		if !ok {
			break
		}
		cn.State = conn.StateGetHeaders
		cn.Cursor, cn.End = chunk.Off, chunk.Off+chunk.Len
		cn.Work <- chunk
	}

	// Nothing left that could ever produce another event: every
	// resolution has landed and every connection has terminated. This
	// is the hard-failure path when it fires with a non-empty chunk set
	// — no mirror remains to serve the rest of the file — as well as
	// the ordinary success path.
	if c.pendingResolutions == 0 && c.outstandingConns == 0 {
		return true
	}

	allIdleOrFailed := true
	for _, cn := range c.conns {
		if cn.State != conn.StateIdle && cn.State != conn.StateFailed {
			allIdleOrFailed = false
			break
		}
	}
	if c.pendingResolutions > 0 || !allIdleOrFailed || !c.chunks.Empty() {
		return false
	}

	for _, cn := range c.conns {
		if cn.State == conn.StateIdle {
			close(cn.Work)
		}
	}
	return false // wait for those connections' EventDone before exiting
}

func (c *Client) teardown() {
	if c.mapping != nil {
		c.mapping.Unmap()
		c.mapping = nil
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

// Connections returns the current connection set in insertion order,
// safe to call concurrently with Run (the progress reporter does).
// Callers must not mutate Conn fields; State/Cursor/End remain the
// scheduler's alone to write.
func (c *Client) Connections() []*conn.Conn {
	p := c.connsShared.Load()
	if p == nil {
		return nil
	}
	return *p
}
