package synclab

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/lmittmann/tint"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// quietLogger returns a logger that discards output during tests unless -v is set.
func quietLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
