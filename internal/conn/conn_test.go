package conn

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/multimirror/multimirror/internal/chunkset"
)

// startServer listens on 127.0.0.1 and runs handle against the first
// accepted connection on its own goroutine. It returns the IP and port
// a Conn should dial.
func startServer(t *testing.T, handle func(net.Conn)) (net.IP, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handle(c)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, uint16(addr.Port)
}

// readRequest consumes one HTTP request line + headers (no body is
// ever sent by this module's client) up to the blank line.
func readRequest(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		if line == "\r\n" {
			break
		}
		lines = append(lines, line)
	}
	return lines[0]
}

func TestConnHeadAndGetSucceed(t *testing.T) {
	const body = "abcdefghij"

	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)

		reqLine := readRequest(t, r)
		if got := reqLine[:4]; got != "HEAD" {
			t.Errorf("expected HEAD request first, got %q", reqLine)
		}
		io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n")

		reqLine = readRequest(t, r)
		if got := reqLine[:3]; got != "GET" {
			t.Errorf("expected GET request second, got %q", reqLine)
		}
		io.WriteString(nc, "HTTP/1.1 206 Partial Content\r\nContent-Length: 10\r\n\r\n"+body)
	})

	mapping := make([]byte, 10)
	events := make(chan Event, 8)
	c := New("example.com", port, "/file.bin", ip, "multimirror-test", events)
	c.BindMapping(mapping)
	go c.Run()

	headEvt := <-events
	hs, ok := headEvt.(EventHeadSize)
	if !ok {
		t.Fatalf("expected EventHeadSize, got %T", headEvt)
	}
	if hs.Size != 10 {
		t.Fatalf("expected size 10, got %d", hs.Size)
	}
	hs.Reply <- HeadDecision{Accept: true}

	if _, ok := (<-events).(EventIdle); !ok {
		t.Fatalf("expected EventIdle after HEAD")
	}

	c.Work <- chunkset.Chunk{Off: 0, Len: 10}

	if _, ok := (<-events).(EventIdle); !ok {
		t.Fatalf("expected EventIdle after GET")
	}
	if string(mapping) != body {
		t.Fatalf("mapping = %q, want %q", mapping, body)
	}

	close(c.Work)
	done, ok := (<-events).(EventDone)
	if !ok {
		t.Fatalf("expected EventDone after Work closed")
	}
	if done.Failed {
		t.Fatalf("expected clean close, got failed: %v", done.Err)
	}
}

func TestConnHeadLengthMismatchRejected(t *testing.T) {
	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 99\r\n\r\n")
	})

	mapping := make([]byte, 10)
	events := make(chan Event, 8)
	c := New("example.com", port, "/file.bin", ip, "multimirror-test", events)
	c.BindMapping(mapping)
	go c.Run()

	hs := (<-events).(EventHeadSize)
	hs.Reply <- HeadDecision{Accept: false, Err: io.ErrUnexpectedEOF}

	done, ok := (<-events).(EventDone)
	if !ok {
		t.Fatalf("expected EventDone after rejection")
	}
	if !done.Failed {
		t.Fatalf("expected a failed outcome on length mismatch")
	}
}

func TestConnHeadNon200Fails(t *testing.T) {
	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	})

	mapping := make([]byte, 10)
	events := make(chan Event, 8)
	c := New("example.com", port, "/missing.bin", ip, "multimirror-test", events)
	c.BindMapping(mapping)
	go c.Run()

	done, ok := (<-events).(EventDone)
	if !ok {
		t.Fatalf("expected EventDone, got something else")
	}
	if !done.Failed {
		t.Fatalf("expected failure on non-200 HEAD")
	}
}

func TestConnGetShortReadReturnsLeftover(t *testing.T) {
	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n")

		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 206 Partial Content\r\nContent-Length: 10\r\n\r\nabcde")
		// Close early: only 5 of the requested 10 bytes were sent.
	})

	mapping := make([]byte, 10)
	events := make(chan Event, 8)
	c := New("example.com", port, "/file.bin", ip, "multimirror-test", events)
	c.BindMapping(mapping)
	go c.Run()

	hs := (<-events).(EventHeadSize)
	hs.Reply <- HeadDecision{Accept: true}
	if _, ok := (<-events).(EventIdle); !ok {
		t.Fatalf("expected EventIdle after HEAD")
	}

	c.Work <- chunkset.Chunk{Off: 0, Len: 10}

	done, ok := (<-events).(EventDone)
	if !ok {
		t.Fatalf("expected EventDone, got something else")
	}
	if !done.Failed {
		t.Fatalf("expected a failed outcome on short read")
	}
	if done.Leftover.Off != 5 || done.Leftover.Len != 5 {
		t.Fatalf("expected leftover {5,5}, got %+v", done.Leftover)
	}
}

func TestConnOverflowingRangeFails(t *testing.T) {
	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n")

		readRequest(t, r)
		// Server misbehaves: sends more body bytes than the requested range.
		io.WriteString(nc, "HTTP/1.1 206 Partial Content\r\nContent-Length: 20\r\n\r\n0123456789extrabytes")
	})

	mapping := make([]byte, 10)
	events := make(chan Event, 8)
	c := New("example.com", port, "/file.bin", ip, "multimirror-test", events)
	c.BindMapping(mapping)
	go c.Run()

	hs := (<-events).(EventHeadSize)
	hs.Reply <- HeadDecision{Accept: true}
	<-events // idle after HEAD

	c.Work <- chunkset.Chunk{Off: 0, Len: 10}

	done, ok := (<-events).(EventDone)
	if !ok {
		t.Fatalf("expected EventDone, got something else")
	}
	if !done.Failed {
		t.Fatalf("expected failure when server overflows the requested range")
	}
}

func TestConnRatePerSecondAfterTransfer(t *testing.T) {
	ip, port := startServer(t, func(nc net.Conn) {
		r := bufio.NewReader(nc)
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\n")
		readRequest(t, r)
		io.WriteString(nc, "HTTP/1.1 206 Partial Content\r\nContent-Length: 4\r\n\r\nabcd")
	})

	mapping := make([]byte, 4)
	events := make(chan Event, 8)
	c := New("example.com", port, "/f", ip, "ua", events)
	c.BindMapping(mapping)
	go c.Run()

	hs := (<-events).(EventHeadSize)
	hs.Reply <- HeadDecision{Accept: true}
	<-events

	c.Work <- chunkset.Chunk{Off: 0, Len: 4}
	<-events

	start, bytes := c.Stats.Snapshot()
	if start.IsZero() {
		t.Fatalf("expected a non-zero start time after a transfer")
	}
	if bytes <= 0 {
		t.Fatalf("expected positive byte count, got %d", bytes)
	}
	if rate := c.Stats.RatePerSecond(time.Now()); rate < 0 {
		t.Fatalf("expected a non-negative rate, got %v", rate)
	}

	close(c.Work)
	<-events
}
