package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestArenaIsSingleton(t *testing.T) {
	if Arena() != Arena() {
		t.Fatalf("Arena returned different registries")
	}
}

func TestObserveAdmission(t *testing.T) {
	m := Arena()
	before := testutil.ToFloat64(m.admissions.WithLabelValues("rejected", "x402_replay_rejected"))
	m.ObserveAdmission(" Rejected ", "x402_replay_rejected", 20*time.Millisecond)
	after := testutil.ToFloat64(m.admissions.WithLabelValues("rejected", "x402_replay_rejected"))
	if after-before != 1 {
		t.Fatalf("admissions delta: got %v want 1", after-before)
	}

	okBefore := testutil.ToFloat64(m.admissions.WithLabelValues("entered", "ok"))
	m.ObserveAdmission("entered", "", time.Millisecond)
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("entered", "ok")) - okBefore; got != 1 {
		t.Fatalf("entered delta: got %v want 1", got)
	}
}

func TestRecordExpiredIgnoresZero(t *testing.T) {
	m := Arena()
	before := testutil.ToFloat64(m.expired)
	m.RecordExpired(0)
	m.RecordExpired(3)
	if got := testutil.ToFloat64(m.expired) - before; got != 3 {
		t.Fatalf("expired delta: got %v want 3", got)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *arenaMetrics
	m.ObserveAdmission("entered", "", time.Second)
	m.RecordBracketBuild("")
	m.RecordExpired(1)
	m.RecordSinkFailure("events")
	m.RecordHTTPRequest("/healthz", 200)
}
