// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements a single-threaded readiness-event reactor. It
// multiplexes sockets, one-shot timers, child-process termination and signal
// delivery behind one callback API, over a closed set of backends: a
// kernel-queue backend (kqueue on the BSDs, epoll with timerfd/pidfd/signalfd
// auxiliaries on Linux) and a portable poll-set backend that rebuilds its
// watch set every wait call and emulates timers in software.
package reactor
