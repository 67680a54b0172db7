package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/config"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/sweeper"
	"github.com/google/uuid"
)

func TestNewLogger_Level(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, closer, err := newLogger(config.Log{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	defer closer.Close()

	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	if _, _, err := newLogger(config.Log{Level: "loud"}, &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLogger_File(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "arena.log")
	log, closer, err := newLogger(config.Log{Level: "info", File: path}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("stderr written while a log file is configured: %q", buf.String())
	}
}

type stubSink struct{ err error }

func (s stubSink) Committed(context.Context, uuid.UUID, admission.Result) error { return s.err }
func (s stubSink) Expired(context.Context, payment.Authorization) error { return s.err }

func TestNamedWrappersPassErrorsThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	if err := (namedSink{name: "x", sink: stubSink{err: boom}}).Committed(context.Background(), uuid.New(), admission.Result{}); !errors.Is(err, boom) {
		t.Fatalf("Committed: got %v want boom", err)
	}
	if err := (namedSink{name: "x", sink: stubSink{}}).Committed(context.Background(), uuid.New(), admission.Result{}); err != nil {
		t.Fatalf("Committed: %v", err)
	}
	if err := (namedObserver{name: "x", obs: stubSink{err: boom}}).Expired(context.Background(), payment.Authorization{}); !errors.Is(err, boom) {
		t.Fatalf("Expired: got %v want boom", err)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	t.Parallel()

	st, closeFn, err := openStore(context.Background(), config.Store{Driver: "memory"})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if st == nil {
		t.Fatalf("nil store")
	}
	if _, ok := st.(sweeper.LeaseHolder); !ok {
		t.Fatalf("memory store does not hold sweeper leases")
	}
}
