// Package resolver provides asynchronous hostname resolution for the
// scheduler. The scheduler goroutine never blocks on DNS: Query spawns
// a lookup goroutine and the caller receives the outcome over a
// channel it selects on alongside every other event source.
package resolver

import (
	"context"
	"fmt"
	"net"
)

// Result is what a Query resolves to: either a usable IPv4 address or
// an error describing why resolution failed.
type Result struct {
	Host string
	Port uint16
	Addr net.IP
	Err  error
}

// Resolver issues asynchronous A-record lookups. The zero value uses
// net.DefaultResolver and is ready to use.
type Resolver struct {
	Net *net.Resolver
}

func (r *Resolver) resolver() *net.Resolver {
	if r.Net != nil {
		return r.Net
	}
	return net.DefaultResolver
}

// Query resolves host asynchronously and delivers exactly one Result
// on the returned channel. IPv6 addresses returned by the underlying
// resolver are filtered out: every dial in this system is IPv4-only.
func (r *Resolver) Query(ctx context.Context, host string, port uint16) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		addrs, err := r.resolver().LookupIPAddr(ctx, host)
		if err != nil {
			ch <- Result{Host: host, Port: port, Err: err}
			return
		}
		for _, a := range addrs {
			if v4 := a.IP.To4(); v4 != nil {
				ch <- Result{Host: host, Port: port, Addr: v4}
				return
			}
		}
		ch <- Result{Host: host, Port: port, Err: fmt.Errorf("resolver: no A records for %s", host)}
	}()
	return ch
}
