// File: reactor/timerlist.go
// Author: momentics <momentics@gmail.com>
//
// Software timer emulation for the poll-set backend: enabled timers form a
// singly linked pending list, scanned whole for the nearest deadline each
// wait call. Everything is linear, which is fine for the small timer counts
// this backend is built for.

package reactor

type timerList struct {
	head *Source
}

func (l *timerList) push(s *Source) {
	s.nextTimer = l.head
	l.head = s
}

// unlink removes s, reporting whether it was pending.
func (l *timerList) unlink(s *Source) bool {
	if l.head == s {
		l.head = s.nextTimer
		s.nextTimer = nil
		return true
	}
	for t := l.head; t != nil; t = t.nextTimer {
		if t.nextTimer == s {
			t.nextTimer = s.nextTimer
			s.nextTimer = nil
			return true
		}
	}
	return false
}

// nearest returns the pending timer with the smallest expiry and the
// milliseconds until it is due; zero when the deadline already passed.
// Comparisons are wraparound-safe within half the counter range.
func (l *timerList) nearest(now uint32) (*Source, int) {
	var best *Source
	for t := l.head; t != nil; t = t.nextTimer {
		if best == nil || int32(t.expiry-best.expiry) < 0 {
			best = t
		}
	}
	if best == nil {
		return nil, -1
	}
	remain := int32(best.expiry - now)
	if remain < 0 {
		remain = 0
	}
	return best, int(remain)
}
