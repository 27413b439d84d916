// Package lexer provides a resumable state-machine driver for parsing image
// formats from a byte stream that arrives in arbitrarily sized chunks.
//
// A format decoder describes its grammar as a set of states (usually a small
// integer enum) and a Handler that dispatches on the state. Each handler
// invocation returns a Transition telling the Lexer how many bytes the next
// state needs and whether they should be buffered into one contiguous span
// or streamed through as they arrive.
package lexer

import "fmt"

// BufferingStrategy selects how the bytes requested by a transition are
// delivered.
type BufferingStrategy int

const (
	// Buffered delivers exactly Size() bytes in a single contiguous call.
	Buffered BufferingStrategy = iota
	// Unbuffered delivers bytes as they arrive, possibly in many calls.
	Unbuffered
)

func (b BufferingStrategy) String() string {
	switch b {
	case Buffered:
		return "buffered"
	case Unbuffered:
		return "unbuffered"
	}
	return fmt.Sprintf("BufferingStrategy(%d)", int(b))
}

// TerminalState is the final result of lexing.
type TerminalState int

const (
	Success TerminalState = iota
	Failure
)

func (t TerminalState) String() string {
	switch t {
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("TerminalState(%d)", int(t))
}

type kind uint8

const (
	kindInvalid kind = iota
	kindTerminal
	kindBuffered
	kindUnbuffered
	kindContinue
)

// Transition is an instruction returned by a Handler. It is either terminal
// or names the next state together with the amount of data it needs.
//
// Build transitions with To, ToUnbuffered, ContinueUnbuffered,
// TerminateSuccess and TerminateFailure. The zero value is not a valid
// transition.
type Transition[S comparable] struct {
	kind       kind
	terminal   TerminalState
	next       S
	unbuffered S
	size       int
}

// To transitions to next once size bytes are available. The handler is
// invoked exactly once with all size bytes in one slice.
func To[S comparable](next S, size int) Transition[S] {
	mustSize(size)
	return Transition[S]{kind: kindBuffered, next: next, size: size}
}

// ToUnbuffered starts an unbuffered read of size bytes. The bytes are
// delivered to unbuffered as they arrive, possibly over many calls; each of
// those calls must return ContinueUnbuffered(unbuffered) or a terminal
// transition. Once all size bytes have been delivered, next is invoked with
// no data to signal that the window is closed.
func ToUnbuffered[S comparable](next, unbuffered S, size int) Transition[S] {
	mustSize(size)
	return Transition[S]{kind: kindUnbuffered, next: next, unbuffered: unbuffered, size: size}
}

// ContinueUnbuffered keeps an unbuffered read started by ToUnbuffered going.
// unbuffered must be the state passed to ToUnbuffered.
func ContinueUnbuffered[S comparable](unbuffered S) Transition[S] {
	return Transition[S]{kind: kindContinue, next: unbuffered}
}

// TerminateSuccess ends lexing successfully. No more data is delivered.
func TerminateSuccess[S comparable]() Transition[S] {
	return Transition[S]{kind: kindTerminal, terminal: Success}
}

// TerminateFailure ends lexing with a failure. No more data is delivered.
func TerminateFailure[S comparable]() Transition[S] {
	return Transition[S]{kind: kindTerminal, terminal: Failure}
}

// Terminate converts a TerminalState into a transition.
func Terminate[S comparable](t TerminalState) Transition[S] {
	return Transition[S]{kind: kindTerminal, terminal: t}
}

// IsTerminal reports whether lexing ends with this transition.
func (t Transition[S]) IsTerminal() bool { return t.kind == kindTerminal }

// Terminal returns the terminal state. It panics for non-terminal transitions.
func (t Transition[S]) Terminal() TerminalState {
	if t.kind != kindTerminal {
		panic("lexer: Terminal called on a non-terminal transition")
	}
	return t.terminal
}

// NextState returns the state the transition leads to.
func (t Transition[S]) NextState() S {
	if t.kind == kindTerminal || t.kind == kindInvalid {
		panic("lexer: NextState called on a terminal transition")
	}
	return t.next
}

// UnbufferedState returns the state that receives unbuffered data. It panics
// unless the transition was built with ToUnbuffered.
func (t Transition[S]) UnbufferedState() S {
	if t.kind != kindUnbuffered {
		panic("lexer: UnbufferedState called on a buffered transition")
	}
	return t.unbuffered
}

// Size returns the number of bytes the transition requests.
func (t Transition[S]) Size() int { return t.size }

// Buffering returns how the requested bytes will be delivered.
func (t Transition[S]) Buffering() BufferingStrategy {
	if t.kind == kindUnbuffered {
		return Unbuffered
	}
	return Buffered
}

func (t Transition[S]) String() string {
	switch t.kind {
	case kindTerminal:
		return "terminate(" + t.terminal.String() + ")"
	case kindBuffered:
		return fmt.Sprintf("to(%v, %d)", t.next, t.size)
	case kindUnbuffered:
		return fmt.Sprintf("to_unbuffered(%v via %v, %d)", t.next, t.unbuffered, t.size)
	case kindContinue:
		return fmt.Sprintf("continue_unbuffered(%v)", t.next)
	}
	return "invalid"
}

func mustSize(size int) {
	if size < 0 {
		panic(fmt.Sprintf("lexer: negative transition size %d", size))
	}
}
