// File: reactor/batch.go
// Author: momentics <momentics@gmail.com>

package reactor

// readiness classifies a raw ready entry before translation to the public
// event taxonomy.
type readiness uint8

const (
	readyRead readiness = iota + 1
	readyWrite
	readyTimer
	readyProcess
	readySignal
)

type entry struct {
	src   *Source
	class readiness
	ident int
	eof   bool
}

// Batch is the reusable pending-event buffer. One Batch is owned by each
// reactor; its contents are valid only until the next Wait call and must be
// fully dispatched before then. Callers must not retain it across steps.
type Batch struct {
	entries []entry
	n       int
}

func newBatch(capacity int) *Batch {
	return &Batch{entries: make([]entry, capacity)}
}

// Len reports the number of undispatched entries.
func (b *Batch) Len() int { return b.n }

// push appends a ready entry, reporting false when the batch is full.
// Undelivered readiness is not lost: interests stay armed until dispatched,
// so the next wait call observes them again.
func (b *Batch) push(s *Source, class readiness, ident int, eof bool) bool {
	if b.n >= len(b.entries) {
		return false
	}
	b.entries[b.n] = entry{src: s, class: class, ident: ident, eof: eof}
	b.n++
	return true
}
