package lexer

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type testState int

const (
	stateA testState = iota
	stateB
	stateU
	stateHeader
	stateBody
	stateSkip
	stateSkipDone
	stateTrailer
)

type call struct {
	state testState
	data  string
}

// recorder wraps a handler and records every invocation.
type recorder struct {
	calls []call
	fn    Handler[testState]
}

func (r *recorder) handle(s testState, data []byte) Transition[testState] {
	r.calls = append(r.calls, call{state: s, data: string(data)})
	return r.fn(s, data)
}

// merged collapses consecutive unbuffered deliveries so two runs with
// different chunking can be compared by semantic content.
func merged(calls []call) []call {
	var out []call
	for _, c := range calls {
		if c.state == stateU && len(out) > 0 && out[len(out)-1].state == stateU {
			out[len(out)-1].data += c.data
			continue
		}
		out = append(out, c)
	}
	return out
}

func feed(t *testing.T, l *Lexer[testState], input []byte, sizes []int, fn Handler[testState]) (TerminalState, bool) {
	t.Helper()
	var (
		state TerminalState
		done  bool
	)
	for _, n := range sizes {
		state, done = l.Lex(input[:n], fn)
		require.NoError(t, l.checkInvariants())
		input = input[n:]
	}
	return state, done
}

func TestBufferedReadAcrossChunks(t *testing.T) {
	fn := func(s testState, data []byte) Transition[testState] {
		require.Equal(t, stateA, s)
		require.Equal(t, "abcd", string(data))
		return TerminateSuccess[testState]()
	}

	t.Run("single chunk", func(t *testing.T) {
		l := New(To(stateA, 4))
		state, done := l.Lex([]byte("abcd"), fn)
		require.True(t, done)
		require.Equal(t, Success, state)
	})

	t.Run("two chunks", func(t *testing.T) {
		l := New(To(stateA, 4))
		_, done := l.Lex([]byte("ab"), fn)
		require.False(t, done)
		require.NoError(t, l.checkInvariants())
		state, done := l.Lex([]byte("cd"), fn)
		require.True(t, done)
		require.Equal(t, Success, state)
	})
}

func TestUnbufferedWindowDelivery(t *testing.T) {
	seen := 0
	rec := &recorder{}
	rec.fn = func(s testState, data []byte) Transition[testState] {
		switch s {
		case stateU:
			seen += len(data)
			return ContinueUnbuffered(stateU)
		case stateB:
			require.Empty(t, data)
			require.Equal(t, 10, seen)
			return TerminateSuccess[testState]()
		}
		t.Fatalf("unexpected state %v", s)
		return TerminateFailure[testState]()
	}

	l := New(ToUnbuffered(stateB, stateU, 10))
	input := []byte("0123456789")

	_, done := l.Lex(input[:3], rec.handle)
	require.False(t, done)
	_, done = l.Lex(input[3:6], rec.handle)
	require.False(t, done)
	state, done := l.Lex(input[6:], rec.handle)
	require.True(t, done)
	require.Equal(t, Success, state)

	require.Equal(t, []call{
		{stateU, "012"},
		{stateU, "345"},
		{stateU, "6789"},
		{stateB, ""},
	}, rec.calls)
}

func TestFailureStopsConsumption(t *testing.T) {
	calls := 0
	fn := func(s testState, data []byte) Transition[testState] {
		calls++
		return TerminateFailure[testState]()
	}

	l := New(To(stateA, 1))
	state, done := l.Lex([]byte("xyzzy"), fn)
	require.True(t, done)
	require.Equal(t, Failure, state)
	require.Equal(t, 1, calls)
}

func TestTerminalIsSticky(t *testing.T) {
	calls := 0
	fn := func(s testState, data []byte) Transition[testState] {
		calls++
		return TerminateSuccess[testState]()
	}

	l := New(To(stateA, 2))
	state, done := l.Lex([]byte("ab"), fn)
	require.True(t, done)
	require.Equal(t, Success, state)

	for _, in := range [][]byte{nil, []byte("c"), bytes.Repeat([]byte("d"), 100)} {
		state, done = l.Lex(in, fn)
		require.True(t, done)
		require.Equal(t, Success, state)
	}
	require.Equal(t, 1, calls)
	require.True(t, l.IsTerminal())
}

func TestEmptyChunkFiresZeroSizeTransitions(t *testing.T) {
	rec := &recorder{}
	rec.fn = func(s testState, data []byte) Transition[testState] {
		if s == stateA {
			return To(stateB, 0)
		}
		return To(stateHeader, 1)
	}
	l := New(To(stateA, 0))
	_, done := l.Lex(nil, rec.handle)
	require.False(t, done)
	require.NoError(t, l.checkInvariants())
	require.Equal(t, []call{{stateA, ""}, {stateB, ""}}, rec.calls)

	// A transition that needs input is left pending.
	_, done = l.Lex([]byte{}, rec.handle)
	require.False(t, done)
	require.Len(t, rec.calls, 2)
}

func TestEmptyChunkTerminates(t *testing.T) {
	l := New(To(stateA, 0))
	state, done := l.Lex(nil, func(testState, []byte) Transition[testState] {
		return TerminateFailure[testState]()
	})
	require.True(t, done)
	require.Equal(t, Failure, state)
}

func TestBufferLimitFails(t *testing.T) {
	fn := func(s testState, data []byte) Transition[testState] {
		return TerminateSuccess[testState]()
	}

	l := New(To(stateA, 64), WithMaxBufferSize(32))
	state, done := l.Lex([]byte("short"), fn)
	require.True(t, done)
	require.Equal(t, Failure, state)

	// A request that fits in one chunk never needs the buffer.
	l = New(To(stateA, 64), WithMaxBufferSize(32))
	state, done = l.Lex(bytes.Repeat([]byte("x"), 64), fn)
	require.True(t, done)
	require.Equal(t, Success, state)
}

func TestUnbufferedContractViolationPanics(t *testing.T) {
	t.Run("different state", func(t *testing.T) {
		l := New(ToUnbuffered(stateB, stateU, 4))
		require.Panics(t, func() {
			l.Lex([]byte("ab"), func(s testState, data []byte) Transition[testState] {
				return ContinueUnbuffered(stateA)
			})
		})
	})
	t.Run("buffered transition", func(t *testing.T) {
		l := New(ToUnbuffered(stateB, stateU, 4))
		require.Panics(t, func() {
			l.Lex([]byte("ab"), func(s testState, data []byte) Transition[testState] {
				return To(stateU, 1)
			})
		})
	})
	t.Run("continue outside window", func(t *testing.T) {
		l := New(To(stateA, 1))
		require.Panics(t, func() {
			l.Lex([]byte("ab"), func(s testState, data []byte) Transition[testState] {
				return ContinueUnbuffered(stateA)
			})
		})
	})
	t.Run("negative size", func(t *testing.T) {
		require.Panics(t, func() { To(stateA, -1) })
	})
}

func TestTransitionAccessors(t *testing.T) {
	tr := ToUnbuffered(stateB, stateU, 7)
	require.False(t, tr.IsTerminal())
	require.Equal(t, stateB, tr.NextState())
	require.Equal(t, stateU, tr.UnbufferedState())
	require.Equal(t, 7, tr.Size())
	require.Equal(t, Unbuffered, tr.Buffering())

	tr = To(stateA, 3)
	require.Equal(t, Buffered, tr.Buffering())
	require.Panics(t, func() { tr.UnbufferedState() })
	require.Panics(t, func() { tr.Terminal() })

	require.Equal(t, Failure, TerminateFailure[testState]().Terminal())
	require.Equal(t, Success, Terminate[testState](Success).Terminal())
}

// chunkedGrammar is a small length-prefixed format:
//
//	header: 1 byte body length N, 1 byte skip length M
//	body:   N bytes (buffered)
//	skip:   M bytes (unbuffered)
//	trailer: 2 bytes "OK"
func chunkedGrammar(t *testing.T) Handler[testState] {
	var skipLen int
	return func(s testState, data []byte) Transition[testState] {
		switch s {
		case stateHeader:
			skipLen = int(data[1])
			return To(stateBody, int(data[0]))
		case stateBody:
			return ToUnbuffered(stateSkipDone, stateU, skipLen)
		case stateU:
			return ContinueUnbuffered(stateU)
		case stateSkipDone:
			return To(stateTrailer, 2)
		case stateTrailer:
			if string(data) != "OK" {
				return TerminateFailure[testState]()
			}
			return TerminateSuccess[testState]()
		}
		t.Fatalf("unexpected state %v", s)
		return TerminateFailure[testState]()
	}
}

func randomPartition(r *rand.Rand, n int) []int {
	var sizes []int
	for n > 0 {
		k := 1 + r.Intn(min(n, 7))
		sizes = append(sizes, k)
		n -= k
	}
	return sizes
}

func TestChunkSizeIndependence(t *testing.T) {
	body := bytes.Repeat([]byte("B"), 40)
	skip := bytes.Repeat([]byte("S"), 23)
	input := append([]byte{byte(len(body)), byte(len(skip))}, body...)
	input = append(input, skip...)
	input = append(input, "OK"...)

	whole := &recorder{fn: chunkedGrammar(t)}
	state, done := New(To(stateHeader, 2)).Lex(input, whole.handle)
	require.True(t, done)
	require.Equal(t, Success, state)

	r := rand.New(rand.NewSource(1))
	ones := make([]int, len(input))
	for i := range ones {
		ones[i] = 1
	}
	partitions := [][]int{{len(input)}, ones}
	for i := 0; i < 25; i++ {
		partitions = append(partitions, randomPartition(r, len(input)))
	}

	for i, sizes := range partitions {
		t.Run(fmt.Sprintf("partition-%d", i), func(t *testing.T) {
			rec := &recorder{fn: chunkedGrammar(t)}
			l := New(To(stateHeader, 2))
			state, done := feed(t, l, input, sizes, rec.handle)
			require.True(t, done)
			require.Equal(t, Success, state)
			require.Equal(t, merged(whole.calls), merged(rec.calls))
		})
	}
}

func TestZeroSizeUnbufferedWindow(t *testing.T) {
	rec := &recorder{}
	rec.fn = func(s testState, data []byte) Transition[testState] {
		if s == stateB {
			return To(stateA, 1)
		}
		return TerminateSuccess[testState]()
	}
	l := New(ToUnbuffered(stateB, stateU, 0))
	state, done := l.Lex([]byte("z"), rec.handle)
	require.True(t, done)
	require.Equal(t, Success, state)
	require.Equal(t, []call{{stateB, ""}, {stateA, "z"}}, rec.calls)
}

func BenchmarkLexOneByteAtATime(b *testing.B) {
	input := append([]byte{200, 100}, bytes.Repeat([]byte("x"), 300)...)
	input = append(input, "OK"...)
	var skipLen int
	fn := func(s testState, data []byte) Transition[testState] {
		switch s {
		case stateHeader:
			skipLen = int(data[1])
			return To(stateBody, int(data[0]))
		case stateBody:
			return ToUnbuffered(stateSkipDone, stateU, skipLen)
		case stateU:
			return ContinueUnbuffered(stateU)
		case stateSkipDone:
			return To(stateTrailer, 2)
		}
		return TerminateSuccess[testState]()
	}

	b.ReportAllocs()
	b.SetBytes(int64(len(input)))
	for i := 0; i < b.N; i++ {
		l := New(To(stateHeader, 2))
		for j := range input {
			l.Lex(input[j:j+1], fn)
		}
	}
}
