package hooks_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-decoder/adapters/decoder"
	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/hooks"
)

// iconDecoder returns a finished decode of a 2x2 icon.
func iconDecoder(t *testing.T) *core.Decoder {
	t.Helper()
	reg := core.NewRegistry()
	decoder.Register(reg)
	d := reg.NewDecoder(core.DecoderTypeICON)
	require.NoError(t, d.Init())
	_, err := d.Write(append([]byte{2, 2}, make([]byte, 16)...))
	require.NoError(t, err)
	require.NoError(t, d.Finish())
	return d
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := hooks.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l.Info("decode.start", "type", "png", "bytes", 42)
	l.Debug("decode.row", "y", 3)

	out := buf.String()
	require.Contains(t, out, "decode.start")
	require.Contains(t, out, "type=png")
	require.Contains(t, out, "bytes=42")
	require.Contains(t, out, "y=3")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, hooks.ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, hooks.ParseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, hooks.ParseLevel("chatty"))
}

func TestLoggingHook(t *testing.T) {
	var buf bytes.Buffer
	l := hooks.NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	h := hooks.NewLoggingHook(l)
	d := iconDecoder(t)

	h.BeforeStep(context.Background(), "decode", d)
	h.AfterStep(context.Background(), "decode", d, time.Millisecond, nil)
	h.AfterStep(context.Background(), "decode", d, time.Millisecond, errors.New("boom"))

	out := buf.String()
	require.Contains(t, out, "decode.run.start")
	require.Contains(t, out, "status=done")
	require.Contains(t, out, "size=2x2")
	require.Contains(t, out, "decode.run.error")
	require.Equal(t, 3, strings.Count(out, "type=icon"))
}

func TestMetricsHook(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	h := hooks.NewMetricsHook(m)
	d := iconDecoder(t)

	h.BeforeStep(context.Background(), "decode", d)
	h.AfterStep(context.Background(), "decode", d, 2*time.Second, nil)
	h.AfterStep(context.Background(), "metadata", d, time.Second, apperrors.Data("png.decode", apperrors.ErrCorrupt))

	snap := m.Snapshot()
	require.EqualValues(t, 2000, snap.StepDurationsMs["decode"])
	require.EqualValues(t, 1, snap.StepCalls["decode"])
	require.EqualValues(t, 1, snap.StepErrors["metadata"])
	require.EqualValues(t, 1, snap.ErrorCategories["data"])
	require.EqualValues(t, 2*18, snap.TotalThroughputB)
	require.EqualValues(t, 2*16, snap.TotalMemoryB)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	m.RecordProcessingTime("decode", time.Second)
	snap := m.Snapshot()
	snap.StepCalls["decode"] = 99
	require.EqualValues(t, 1, m.Snapshot().StepCalls["decode"])
}
