package resolver

import "sort"

// PollSet tracks which descriptors are currently registered for
// polling. It models the original c-ares/libuv "stop every poll and
// timer, then reinstall from the resolver's current fd set" tick
// (Client::ares_stage in the source this was distilled from) as a
// pure diff instead of an unconditional stop-all/restart-all: Stage
// compares the newly required set against what's already registered
// and reports only the adds and removes needed to converge, which is
// what a real poll-based backend (e.g. a future cgo c-ares binding)
// would want to minimize epoll_ctl churn.
//
// Stage is idempotent: calling it twice in a row with the same
// required set leaves the registered set unchanged, and the second
// call reports empty added and removed diffs.
type PollSet struct {
	registered map[int]bool
}

// Stage reconciles the registered set against required, returning the
// descriptors that were newly added and the ones that were removed.
func (p *PollSet) Stage(required []int) (added, removed []int) {
	if p.registered == nil {
		p.registered = make(map[int]bool)
	}

	want := make(map[int]bool, len(required))
	for _, fd := range required {
		want[fd] = true
		if !p.registered[fd] {
			added = append(added, fd)
		}
	}
	for fd := range p.registered {
		if !want[fd] {
			removed = append(removed, fd)
		}
	}

	sort.Ints(added)
	sort.Ints(removed)
	p.registered = want
	return added, removed
}

// Registered returns the currently registered descriptors, sorted.
func (p *PollSet) Registered() []int {
	out := make([]int, 0, len(p.registered))
	for fd := range p.registered {
		out = append(out, fd)
	}
	sort.Ints(out)
	return out
}
