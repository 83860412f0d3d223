//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/backend_kqueue.go
// Author: momentics <momentics@gmail.com>
//
// Kernel-queue backend over kqueue(2). Read/write interests are one-shot
// kevents; timers, process exit and signal delivery are native filters.

package reactor

import (
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

type kqueueBackend struct {
	r      *Reactor
	kq     int
	events []unix.Kevent_t

	// Identity resolution per filter; kevent udata would hide Go pointers
	// from the collector.
	read   map[int]*Source // fd -> source
	write  map[int]*Source // fd -> source
	timers map[int]*Source // timer ident -> source
	procs  map[int]*Source // pid -> source
	sigs   map[int]*Source // signal number -> source
}

func newKernelQueueBackend(r *Reactor) (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueBackend{
		r:      r,
		kq:     kq,
		events: make([]unix.Kevent_t, r.batchSize),
		read:   make(map[int]*Source),
		write:  make(map[int]*Source),
		timers: make(map[int]*Source),
		procs:  make(map[int]*Source),
		sigs:   make(map[int]*Source),
	}, nil
}

func (k *kqueueBackend) change(ident, filter, flags int, fflags uint32, data int64) error {
	var kv unix.Kevent_t
	unix.SetKevent(&kv, ident, filter, flags)
	kv.Fflags = fflags
	kv.Data = data
	_, err := unix.Kevent(k.kq, []unix.Kevent_t{kv}, nil, nil)
	return err
}

func (k *kqueueBackend) addListener(s *Source) error {
	// Persistent, not one-shot: a listener keeps reporting pending
	// connections without re-arming.
	if err := k.change(s.fd, unix.EVFILT_READ, unix.EV_ADD, 0, 0); err != nil {
		return err
	}
	k.read[s.fd] = s
	return nil
}

func (k *kqueueBackend) addConnection(s *Source) error {
	// Nothing to push until an interest is armed.
	return nil
}

func (k *kqueueBackend) addProcess(s *Source) error {
	if err := k.change(s.ident, unix.EVFILT_PROC, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT, unix.NOTE_EXIT, 0); err != nil {
		return err
	}
	k.procs[s.ident] = s
	return nil
}

func (k *kqueueBackend) addSignal(s *Source) error {
	// EVFILT_SIGNAL observes delivery; the default disposition must be
	// suppressed or the signal still terminates the process.
	signal.Ignore(syscall.Signal(s.ident))
	if err := k.change(s.ident, unix.EVFILT_SIGNAL, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT, 0, 0); err != nil {
		return err
	}
	k.sigs[s.ident] = s
	return nil
}

func (k *kqueueBackend) armRead(s *Source) error {
	if err := k.change(s.fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ONESHOT, 0, 0); err != nil {
		return err
	}
	k.read[s.fd] = s
	return nil
}

func (k *kqueueBackend) armWrite(s *Source) error {
	if err := k.change(s.fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ONESHOT, 0, 0); err != nil {
		return err
	}
	k.write[s.fd] = s
	return nil
}

func (k *kqueueBackend) enableTimer(s *Source, ms uint32) error {
	if err := k.change(s.ident, unix.EVFILT_TIMER, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT, 0, int64(ms)); err != nil {
		return err
	}
	k.timers[s.ident] = s
	return nil
}

func (k *kqueueBackend) disableTimer(s *Source) error {
	err := k.change(s.ident, unix.EVFILT_TIMER, unix.EV_DELETE, 0, 0)
	delete(k.timers, s.ident)
	// One-shot timers remove themselves on fire.
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (k *kqueueBackend) remove(s *Source) {
	switch s.kind {
	case KindListener, KindConnection:
		if s.kind == KindListener || s.armedRead {
			if err := k.change(s.fd, unix.EVFILT_READ, unix.EV_DELETE, 0, 0); err != nil && err != unix.ENOENT {
				k.r.log.Error().Int("fd", s.fd).Err(err).Msg("removing read filter failed")
			}
		}
		if s.armedWrite {
			if err := k.change(s.fd, unix.EVFILT_WRITE, unix.EV_DELETE, 0, 0); err != nil && err != unix.ENOENT {
				k.r.log.Error().Int("fd", s.fd).Err(err).Msg("removing write filter failed")
			}
		}
		delete(k.read, s.fd)
		delete(k.write, s.fd)
	case KindTimer:
		delete(k.timers, s.ident)
	case KindProcess:
		_ = k.change(s.ident, unix.EVFILT_PROC, unix.EV_DELETE, 0, 0)
		delete(k.procs, s.ident)
	case KindSignal:
		_ = k.change(s.ident, unix.EVFILT_SIGNAL, unix.EV_DELETE, 0, 0)
		delete(k.sigs, s.ident)
	}
}

func (k *kqueueBackend) wait(b *Batch, timeoutMs int) error {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(k.kq, nil, k.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := &k.events[i]
		ident := int(ev.Ident)
		eof := ev.Flags&unix.EV_EOF != 0
		switch ev.Filter {
		case unix.EVFILT_READ:
			if s, ok := k.read[ident]; ok {
				b.push(s, readyRead, ident, eof)
			}
		case unix.EVFILT_WRITE:
			if s, ok := k.write[ident]; ok {
				b.push(s, readyWrite, ident, false)
			}
		case unix.EVFILT_TIMER:
			if s, ok := k.timers[ident]; ok {
				delete(k.timers, ident)
				b.push(s, readyTimer, -1, false)
			} else {
				k.r.log.Debug().Int("ident", ident).Msg("timer fired after disable")
			}
		case unix.EVFILT_PROC:
			if s, ok := k.procs[ident]; ok {
				delete(k.procs, ident)
				b.push(s, readyProcess, ident, false)
			}
		case unix.EVFILT_SIGNAL:
			if s, ok := k.sigs[ident]; ok {
				delete(k.sigs, ident)
				b.push(s, readySignal, ident, false)
			}
		}
	}
	return nil
}

func (k *kqueueBackend) waitHandle() (int, error) {
	// A kqueue descriptor is itself selectable for readability.
	return k.kq, nil
}

func (k *kqueueBackend) close() error {
	return unix.Close(k.kq)
}
