//go:build unix
// +build unix

// File: reactor/backend_pollset.go
// Author: momentics <momentics@gmail.com>
//
// Poll-set backend: the watched-descriptor set is rebuilt from the armed
// one-shot flags before every wait call, in the manner of constrained
// network stacks that expose only a blocking multi-descriptor wait. Timers
// are emulated in software and fed into the wait timeout. Process and
// signal monitors do not exist here.

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/asyncio/api"
)

type pollSetBackend struct {
	r     *Reactor
	socks map[int]*Source // registered fd -> source

	timers timerList
	// primed is the timer the current wait's timeout was derived from.
	primed *Source

	// Scratch slices reused across wait calls.
	pfds    []unix.PollFd
	pfdSrcs []*Source
}

func newPollSetBackend(r *Reactor) (backend, error) {
	return &pollSetBackend{
		r:     r,
		socks: make(map[int]*Source),
	}, nil
}

func (p *pollSetBackend) addListener(s *Source) error {
	p.socks[s.fd] = s
	return nil
}

func (p *pollSetBackend) addConnection(s *Source) error {
	p.socks[s.fd] = s
	return nil
}

func (p *pollSetBackend) addProcess(*Source) error { return api.ErrNotSupported }
func (p *pollSetBackend) addSignal(*Source) error  { return api.ErrNotSupported }

// Arming only validates registration; the armed flags on the source are the
// watch set, read back during the next wait's rebuild.
func (p *pollSetBackend) armRead(s *Source) error {
	if _, ok := p.socks[s.fd]; !ok {
		return unix.EBADF
	}
	return nil
}

func (p *pollSetBackend) armWrite(s *Source) error {
	if _, ok := p.socks[s.fd]; !ok {
		return unix.EBADF
	}
	return nil
}

func (p *pollSetBackend) enableTimer(s *Source, ms uint32) error {
	// Re-enable replaces the deadline rather than duplicating the entry.
	p.timers.unlink(s)
	s.expiry = p.r.clock.Now() + ms
	p.timers.push(s)
	return nil
}

func (p *pollSetBackend) disableTimer(s *Source) error {
	if p.primed == s {
		p.primed = nil
	}
	// Absent means already fired; tolerated.
	p.timers.unlink(s)
	return nil
}

func (p *pollSetBackend) remove(s *Source) {
	if s.fd >= 0 {
		delete(p.socks, s.fd)
	}
	if s.kind == KindTimer {
		_ = p.disableTimer(s)
	}
}

func (p *pollSetBackend) wait(b *Batch, timeoutMs int) error {
	p.pfds = p.pfds[:0]
	p.pfdSrcs = p.pfdSrcs[:0]
	for fd, s := range p.socks {
		var ev int16
		if s.kind == KindListener || s.armedRead {
			ev |= unix.POLLIN
		}
		if s.armedWrite {
			ev |= unix.POLLOUT
		}
		if ev == 0 {
			continue
		}
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: ev})
		p.pfdSrcs = append(p.pfdSrcs, s)
	}

	now := p.r.clock.Now()
	p.primed = nil
	if t, remain := p.timers.nearest(now); t != nil {
		if timeoutMs < 0 || remain <= timeoutMs {
			timeoutMs = remain
			p.primed = t
		}
	}
	if len(p.pfds) == 0 && timeoutMs < 0 {
		return api.ErrNoSources
	}

	n, err := unix.Poll(p.pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	if n == 0 {
		// Timeout. Fire the single nearest-expiry timer, if one is due.
		if t := p.primed; t != nil && int32(t.expiry-p.r.clock.Now()) <= 0 {
			p.timers.unlink(t)
			b.push(t, readyTimer, -1, false)
		} else if t != nil {
			p.r.log.Debug().Msg("wait timed out before the primed timer came due")
		}
		return nil
	}

	for i := range p.pfds {
		re := p.pfds[i].Revents
		if re == 0 {
			continue
		}
		s := p.pfdSrcs[i]
		fd := int(p.pfds[i].Fd)
		if re&unix.POLLNVAL != 0 {
			p.r.log.Debug().Int("fd", fd).Msg("poll reported invalid descriptor")
			continue
		}
		eof := re&(unix.POLLHUP|unix.POLLERR) != 0
		if (re&unix.POLLIN != 0 || eof) && (s.kind == KindListener || s.armedRead) {
			b.push(s, readyRead, fd, eof)
		}
		if re&unix.POLLOUT != 0 && s.armedWrite {
			b.push(s, readyWrite, fd, false)
		}
	}
	return nil
}

func (p *pollSetBackend) waitHandle() (int, error) {
	// There is no persistent kernel object to hand out.
	return -1, api.ErrNotSupported
}

func (p *pollSetBackend) close() error { return nil }
