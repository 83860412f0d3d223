//go:build linux
// +build linux

// File: reactor/backend_epoll.go
// Author: momentics <momentics@gmail.com>
//
// Kernel-queue backend over epoll(7). Read/write interests use EPOLLONESHOT;
// the facilities kqueue provides natively come from auxiliary descriptors:
// timerfd for timers, pidfd for process exit, and an eventfd ticked from
// os/signal.Notify for signal delivery.

package reactor

import (
	"encoding/binary"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

type sockWatch struct {
	s          *Source
	registered bool
}

type auxWatch struct {
	s     *Source
	class readiness
	// sigCh is non-nil for signal watches: the Notify channel whose
	// forwarder goroutine owns the eventfd.
	sigCh chan os.Signal
}

type epollBackend struct {
	r      *Reactor
	epfd   int
	events []unix.EpollEvent

	socks map[int]*sockWatch // socket fd -> watch
	aux   map[int]*auxWatch  // timerfd/pidfd/signalfd -> watch
}

func newKernelQueueBackend(r *Reactor) (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{
		r:      r,
		epfd:   epfd,
		events: make([]unix.EpollEvent, r.batchSize),
		socks:  make(map[int]*sockWatch),
		aux:    make(map[int]*auxWatch),
	}, nil
}

func (e *epollBackend) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(e.epfd, op, fd, &ev)
}

func (e *epollBackend) addListener(s *Source) error {
	// Level-triggered and persistent: pending connections keep the
	// descriptor readable until accepted.
	if err := e.ctl(unix.EPOLL_CTL_ADD, s.fd, unix.EPOLLIN|unix.EPOLLRDHUP); err != nil {
		return err
	}
	e.socks[s.fd] = &sockWatch{s: s, registered: true}
	return nil
}

func (e *epollBackend) addConnection(s *Source) error {
	e.socks[s.fd] = &sockWatch{s: s}
	return nil
}

// interestMask builds the one-shot mask from the armed flags plus the
// direction being armed right now (the flag is set by the caller only after
// this succeeds).
func interestMask(s *Source, arming uint32) uint32 {
	m := arming | unix.EPOLLONESHOT
	if s.armedRead {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if s.armedWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

func (e *epollBackend) arm(s *Source, arming uint32) error {
	w, ok := e.socks[s.fd]
	if !ok {
		return unix.EBADF
	}
	op := unix.EPOLL_CTL_MOD
	if !w.registered {
		op = unix.EPOLL_CTL_ADD
	}
	if err := e.ctl(op, s.fd, interestMask(s, arming)); err != nil {
		return err
	}
	w.registered = true
	return nil
}

func (e *epollBackend) armRead(s *Source) error {
	return e.arm(s, unix.EPOLLIN|unix.EPOLLRDHUP)
}

func (e *epollBackend) armWrite(s *Source) error {
	return e.arm(s, unix.EPOLLOUT)
}

func (e *epollBackend) addProcess(s *Source) error {
	pidfd, err := unix.PidfdOpen(s.ident, 0)
	if err != nil {
		return err
	}
	if err := e.ctl(unix.EPOLL_CTL_ADD, pidfd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		_ = unix.Close(pidfd)
		return err
	}
	s.auxFD = pidfd
	e.aux[pidfd] = &auxWatch{s: s, class: readyProcess}
	return nil
}

func (e *epollBackend) addSignal(s *Source) error {
	// A signalfd would race the runtime: a process-directed signal lands
	// on whichever thread has it unblocked and is consumed there before
	// the signalfd can collect it. Notify is delivered reliably, so a
	// forwarder goroutine turns each delivery into an eventfd tick the
	// epoll set can observe.
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}
	if err := e.ctl(unix.EPOLL_CTL_ADD, efd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		_ = unix.Close(efd)
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.Signal(s.ident))
	go func() {
		tick := make([]byte, 8)
		binary.NativeEndian.PutUint64(tick, 1)
		for range ch {
			_, _ = unix.Write(efd, tick)
		}
		// Sole closer: a write racing a close elsewhere could hit a
		// recycled descriptor.
		_ = unix.Close(efd)
	}()
	s.auxFD = efd
	e.aux[efd] = &auxWatch{s: s, class: readySignal, sigCh: ch}
	return nil
}

func (e *epollBackend) enableTimer(s *Source, ms uint32) error {
	if s.auxFD < 0 {
		tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			return err
		}
		if err := e.ctl(unix.EPOLL_CTL_ADD, tfd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			_ = unix.Close(tfd)
			return err
		}
		s.auxFD = tfd
		e.aux[tfd] = &auxWatch{s: s, class: readyTimer}
	} else if err := e.ctl(unix.EPOLL_CTL_MOD, s.auxFD, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		return err
	}
	nsec := int64(ms) * 1e6
	if nsec == 0 {
		// A zero it_value would disarm the timerfd instead of firing now.
		nsec = 1
	}
	it := unix.ItimerSpec{Value: unix.NsecToTimespec(nsec)}
	return unix.TimerfdSettime(s.auxFD, 0, &it, nil)
}

func (e *epollBackend) disableTimer(s *Source) error {
	if s.auxFD < 0 {
		// Never enabled; tolerated.
		return nil
	}
	var none unix.ItimerSpec
	return unix.TimerfdSettime(s.auxFD, 0, &none, nil)
}

func (e *epollBackend) remove(s *Source) {
	switch s.kind {
	case KindListener, KindConnection:
		if w, ok := e.socks[s.fd]; ok {
			if w.registered {
				if err := e.ctl(unix.EPOLL_CTL_DEL, s.fd, 0); err != nil && err != unix.ENOENT && err != unix.EBADF {
					e.r.log.Error().Int("fd", s.fd).Err(err).Msg("removing epoll registration failed")
				}
			}
			delete(e.socks, s.fd)
		}
	case KindTimer, KindProcess, KindSignal:
		if s.auxFD >= 0 {
			_ = e.ctl(unix.EPOLL_CTL_DEL, s.auxFD, 0)
			if a, ok := e.aux[s.auxFD]; ok && a.sigCh != nil {
				signal.Stop(a.sigCh)
				close(a.sigCh)
			} else {
				_ = unix.Close(s.auxFD)
			}
			delete(e.aux, s.auxFD)
			s.auxFD = -1
		}
	}
}

func (e *epollBackend) wait(b *Batch, timeoutMs int) error {
	n, err := unix.EpollWait(e.epfd, e.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := &e.events[i]
		fd := int(ev.Fd)
		if w, ok := e.socks[fd]; ok {
			e.sockEvent(b, w, fd, ev.Events)
			continue
		}
		if a, ok := e.aux[fd]; ok {
			e.auxEvent(b, a, fd)
			continue
		}
		e.r.log.Debug().Int("fd", fd).Msg("event for unknown descriptor")
	}
	return nil
}

func (e *epollBackend) sockEvent(b *Batch, w *sockWatch, fd int, bits uint32) {
	s := w.s
	eof := bits&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
	// Deliver only armed directions: hangup flags can surface spurious
	// readiness for a direction that was never requested.
	readFired := (bits&unix.EPOLLIN != 0 || eof) && (s.armedRead || s.kind == KindListener)
	writeFired := bits&unix.EPOLLOUT != 0 && s.armedWrite
	// A full batch refuses the push; the direction then counts as
	// not-fired so its interest is restored below instead of vanishing
	// with the consumed one-shot registration.
	if readFired && !b.push(s, readyRead, fd, eof) {
		readFired = false
	}
	if writeFired && !b.push(s, readyWrite, fd, false) {
		writeFired = false
	}
	if s.kind == KindListener {
		return
	}
	// EPOLLONESHOT disabled the whole descriptor; restore the direction
	// that did not fire but is still armed.
	var remain uint32
	if s.armedRead && !readFired {
		remain |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if s.armedWrite && !writeFired {
		remain |= unix.EPOLLOUT
	}
	if remain != 0 {
		if err := e.ctl(unix.EPOLL_CTL_MOD, fd, remain|unix.EPOLLONESHOT); err != nil {
			e.r.log.Error().Int("fd", fd).Err(err).Msg("restoring remaining interest failed")
		}
	}
}

func (e *epollBackend) auxEvent(b *Batch, a *auxWatch, fd int) {
	s := a.s
	var pushed bool
	switch a.class {
	case readyTimer:
		pushed = b.push(s, readyTimer, -1, false)
	case readyProcess:
		pushed = b.push(s, readyProcess, s.ident, false)
	case readySignal:
		pushed = b.push(s, readySignal, s.ident, false)
	}
	if !pushed {
		// Leave the descriptor readable and restore the consumed one-shot
		// registration; the next wait observes it again.
		if err := e.ctl(unix.EPOLL_CTL_MOD, fd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			e.r.log.Error().Int("fd", fd).Err(err).Msg("restoring auxiliary interest failed")
		}
		return
	}
	if a.class == readyTimer || a.class == readySignal {
		// Reset the counter so a later re-enable starts clean.
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
	}
}

func (e *epollBackend) waitHandle() (int, error) {
	// An epoll descriptor is itself selectable for readability.
	return e.epfd, nil
}

func (e *epollBackend) close() error {
	for fd, a := range e.aux {
		if a.sigCh != nil {
			signal.Stop(a.sigCh)
			close(a.sigCh)
			continue
		}
		_ = unix.Close(fd)
	}
	return unix.Close(e.epfd)
}
