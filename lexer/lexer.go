package lexer

import "fmt"

// inlineBufferSize is the capacity of the accumulation buffer that lives
// inside the Lexer itself. Most image headers request small fixed-size
// fields, so the common case never allocates.
const inlineBufferSize = 16

// DefaultMaxBufferSize caps a single buffered read.
const DefaultMaxBufferSize = 64 << 20

// Handler is invoked by the Lexer for each state it enters. data is only
// valid for the duration of the call; handlers that need the bytes later
// must copy them.
type Handler[S comparable] func(state S, data []byte) Transition[S]

// Option configures a Lexer.
type Option func(*options)

type options struct {
	maxBuffer int
}

// WithMaxBufferSize limits how many bytes the Lexer will accumulate for a
// single buffered transition. A transition that needs more than n bytes and
// cannot be satisfied from one chunk terminates lexing with Failure.
func WithMaxBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBuffer = n
		}
	}
}

// Lexer drives a Handler across a chunked byte stream. Lex may be called with
// one byte at a time or with the whole input at once; the handler sees the
// same sequence of states and bytes either way.
//
// A Lexer is not safe for concurrent use.
type Lexer[S comparable] struct {
	transition Transition[S]

	inline [inlineBufferSize]byte
	buf    []byte

	// toReadUnbuffered is the number of bytes still owed to the current
	// unbuffered window. Never positive while buf is non-empty.
	toReadUnbuffered int

	maxBuffer int
}

// New returns a Lexer that starts with the given transition.
func New[S comparable](start Transition[S], opts ...Option) *Lexer[S] {
	o := options{maxBuffer: DefaultMaxBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Lexer[S]{maxBuffer: o.maxBuffer}
	l.buf = l.inline[:0]
	l.adopt(start)
	return l
}

// IsTerminal reports whether lexing has finished.
func (l *Lexer[S]) IsTerminal() bool { return l.transition.IsTerminal() }

// Lex feeds data to the state machine. It returns (state, true) once a
// handler has produced a terminal transition; every later call returns the
// same state without invoking the handler. While more input is needed it
// returns (Success, false), and the second value is the only one to look at.
// An empty chunk still fires pending zero-size transitions.
func (l *Lexer[S]) Lex(data []byte, fn Handler[S]) (TerminalState, bool) {
	if l.transition.IsTerminal() {
		return l.transition.terminal, true
	}

	if l.toReadUnbuffered > 0 {
		if len(l.buf) > 0 {
			panic("lexer: continuing buffered and unbuffered reads at the same time")
		}
		n := min(l.toReadUnbuffered, len(data))
		if l.deliverUnbuffered(data[:n], fn) {
			return l.transition.terminal, true
		}
		data = data[n:]
		l.toReadUnbuffered -= n
		if l.toReadUnbuffered > 0 {
			return Success, false
		}
		l.adopt(fn(l.transition.next, nil))
		if l.transition.IsTerminal() {
			return l.transition.terminal, true
		}
	} else if len(l.buf) > 0 {
		if len(l.buf) >= l.transition.size {
			panic("lexer: buffered more than the transition requested")
		}
		n := min(len(data), l.transition.size-len(l.buf))
		l.buf = append(l.buf, data[:n]...)
		data = data[n:]
		if len(l.buf) < l.transition.size {
			return Success, false
		}
		next := fn(l.transition.next, l.buf)
		l.releaseBuffer()
		l.adopt(next)
		if l.transition.IsTerminal() {
			return l.transition.terminal, true
		}
	}

	// Process states for as long as there is enough input to do so.
	for l.transition.size <= len(data) {
		n := l.transition.size
		if l.transition.kind == kindBuffered {
			l.adopt(fn(l.transition.next, data[:n]))
		} else {
			if l.deliverUnbuffered(data[:n], fn) {
				return l.transition.terminal, true
			}
			l.adopt(fn(l.transition.next, nil))
		}
		data = data[n:]
		if l.transition.IsTerminal() {
			return l.transition.terminal, true
		}
	}

	if len(data) == 0 {
		// Finished exactly on a transition boundary.
		return Success, false
	}

	if l.transition.kind == kindUnbuffered {
		if l.deliverUnbuffered(data, fn) {
			return l.transition.terminal, true
		}
		l.toReadUnbuffered = l.transition.size - len(data)
		return Success, false
	}

	if l.transition.size > l.maxBuffer {
		l.transition = TerminateFailure[S]()
		return Failure, true
	}
	if cap(l.buf) < l.transition.size {
		l.buf = make([]byte, 0, l.transition.size)
	}
	l.buf = append(l.buf[:0], data...)
	return Success, false
}

// deliverUnbuffered hands data to the unbuffered state. It reports true if
// the handler terminated lexing.
func (l *Lexer[S]) deliverUnbuffered(data []byte, fn Handler[S]) bool {
	if len(data) == 0 {
		return false
	}
	t := fn(l.transition.unbuffered, data)
	if t.IsTerminal() {
		l.transition = t
		l.toReadUnbuffered = 0
		return true
	}
	if t.kind != kindContinue || t.next != l.transition.unbuffered {
		panic(fmt.Sprintf("lexer: unbuffered state %v returned %v; only ContinueUnbuffered(%v) or a terminal transition is allowed",
			l.transition.unbuffered, t, l.transition.unbuffered))
	}
	return false
}

func (l *Lexer[S]) adopt(t Transition[S]) {
	switch t.kind {
	case kindInvalid:
		panic("lexer: handler returned the zero Transition")
	case kindContinue:
		panic(fmt.Sprintf("lexer: %v returned outside of an unbuffered read", t))
	}
	l.transition = t
}

// releaseBuffer empties the accumulation buffer, dropping any heap
// allocation so a single large header does not pin memory for the rest of
// the decode.
func (l *Lexer[S]) releaseBuffer() {
	l.buf = l.inline[:0]
}

// checkInvariants is used by tests.
func (l *Lexer[S]) checkInvariants() error {
	if len(l.buf) > 0 && l.toReadUnbuffered > 0 {
		return fmt.Errorf("buffering %d bytes while %d unbuffered bytes are pending", len(l.buf), l.toReadUnbuffered)
	}
	if l.toReadUnbuffered > 0 && l.transition.kind != kindUnbuffered {
		return fmt.Errorf("unbuffered bytes pending for %v", l.transition)
	}
	if len(l.buf) > 0 && !l.transition.IsTerminal() && len(l.buf) >= l.transition.size {
		return fmt.Errorf("buffered %d bytes for %v", len(l.buf), l.transition)
	}
	return nil
}
