//go:build darwin

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	// kqueue registers read/write interest as separate filters; track what
	// each fd currently wants so Modify can diff and only touch what changed.
	interest map[int]Interest
}

// New creates the BSD/Darwin kqueue-backed Poller.
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("poller: kqueue: %w", err)
	}
	return &kqueuePoller{
		kqfd:     kqfd,
		events:   make([]unix.Kevent_t, 1024),
		interest: make(map[int]Interest),
	}, nil
}

func (p *kqueuePoller) apply(fd int, old, new Interest) error {
	var changes []unix.Kevent_t
	addOrDel := func(filter int16, want bool) {
		flags := uint16(unix.EV_DELETE)
		if want {
			flags = unix.EV_ADD | unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}
	if (old&Readable != 0) != (new&Readable != 0) {
		addOrDel(unix.EVFILT_READ, new&Readable != 0)
	}
	if (old&Writable != 0) != (new&Writable != 0) {
		addOrDel(unix.EVFILT_WRITE, new&Writable != 0)
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Add(fd int, interest Interest) error {
	if err := p.apply(fd, 0, interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

func (p *kqueuePoller) Modify(fd int, interest Interest) error {
	old := p.interest[fd]
	if err := p.apply(fd, old, interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

func (p *kqueuePoller) Remove(fd int) error {
	old, ok := p.interest[fd]
	if !ok {
		return nil
	}
	delete(p.interest, fd)
	return p.apply(fd, old, 0)
}

func (p *kqueuePoller) Wait(timeoutMillis int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMillis / 1000),
			Nsec: int64(timeoutMillis%1000) * 1_000_000,
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: kevent: %w", err)
	}

	byFD := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Ident)
		ev, ok := byFD[fd]
		if !ok {
			ev = &Event{FD: fd}
			byFD[fd] = ev
			order = append(order, fd)
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		if e.Flags&unix.EV_EOF != 0 {
			ev.HangUp = true
			ev.Readable = true
		}
	}

	out := make([]Event, 0, len(order))
	for _, fd := range order {
		out = append(out, *byFD[fd])
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
