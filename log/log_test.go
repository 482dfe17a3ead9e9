package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	ctx := WithTXID(context.Background(), "g:b")
	WarnContextf(ctx, "confirm failed, retried count: %d", 3)
	InfoContextf(context.Background(), "plain")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "confirm failed, retried count: 3", entries[0].Message)
	require.Equal(t, "g:b", entries[0].ContextMap()["txID"])
	require.Empty(t, entries[1].ContextMap())
}

func TestInitWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcc.log")
	require.NoError(t, Init(Config{Level: "warn", Encoding: "json", Output: path}))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	InfoContextf(context.Background(), "filtered out")
	ErrorContextf(context.Background(), "recover failed")
	_ = Sync()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "recover failed")
	require.NotContains(t, string(content), "filtered out")
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	require.Error(t, Init(Config{Level: "verbose"}))

	// 原有 logger 保持不变
	InfoContextf(context.Background(), "still observed")
	require.Equal(t, 1, logs.Len())
}

func TestCallerPointsAtCallSite(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core, callerOptions...))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	InfoContextf(context.Background(), "where")
	entries := logs.All()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Caller.Defined)
	require.Equal(t, "log_test.go", filepath.Base(entries[0].Caller.File))
}
