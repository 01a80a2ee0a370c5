package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBAppliesMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", version, dirty)
	}

	for _, table := range []string{"sessions", "transmissions", "calibrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Reopening an up-to-date database is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp failed: %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='sessions'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("sessions table should be gone after MigrateDown")
	}
}

func seedSession(t *testing.T, db *DB, id string) {
	t.Helper()
	cfg := config.DefaultControlConfig()
	if err := db.StartSession(id, t0, cfg); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	txs := []dispatch.Transmission{
		{Command: control.Command{ThrottlePct: 20, SteeringDeg: 90}, Bytes: 7, At: t0.Add(100 * time.Millisecond)},
		{Command: control.Command{ThrottlePct: 60, SteeringDeg: 150}, Bytes: 8, At: t0.Add(200 * time.Millisecond)},
		{Command: control.Command{ThrottlePct: 60, SteeringDeg: 150}, Err: errors.New("write failed"), At: t0.Add(300 * time.Millisecond)},
		{Command: control.Command{ThrottlePct: -40, SteeringDeg: 30}, Bytes: 8, At: t0.Add(400 * time.Millisecond)},
		{Command: control.Neutral, Bytes: 7, Final: true, At: t0.Add(2 * time.Second)},
	}
	for _, tx := range txs {
		if err := db.RecordTransmission(id, tx); err != nil {
			t.Fatalf("RecordTransmission failed: %v", err)
		}
	}
	if err := db.RecordCalibration(id, t0.Add(50*time.Millisecond), control.Offset{ZeroPitch: 3.5, ZeroRoll: -1}); err != nil {
		t.Fatalf("RecordCalibration failed: %v", err)
	}
	if err := db.EndSession(id, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1")

	s, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !s.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, t0)
	}
	if s.EndedAt == nil || s.EndedAt.Sub(t0) != 2*time.Second {
		t.Errorf("EndedAt = %v, want t0+2s", s.EndedAt)
	}
	if s.Transmissions != 5 {
		t.Errorf("Transmissions = %d, want 5", s.Transmissions)
	}
	if len(s.Config) == 0 {
		t.Error("config snapshot not stored")
	}

	recs, err := db.SessionTransmissions("s1")
	if err != nil {
		t.Fatalf("SessionTransmissions failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	if recs[2].Error != "write failed" {
		t.Errorf("failed write error = %q", recs[2].Error)
	}
	if !recs[4].Final || recs[4].Command != control.Neutral {
		t.Errorf("last record = %+v, want final neutral", recs[4])
	}

	cals, err := db.SessionCalibrations("s1")
	if err != nil {
		t.Fatalf("SessionCalibrations failed: %v", err)
	}
	if len(cals) != 1 || cals[0].Offset.ZeroPitch != 3.5 {
		t.Errorf("calibrations = %+v", cals)
	}
}

func TestSessionNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession err = %v, want ErrSessionNotFound", err)
	}
	if err := db.EndSession("missing", t0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("EndSession err = %v, want ErrSessionNotFound", err)
	}
	if _, err := db.SessionSummary("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SessionSummary err = %v, want ErrSessionNotFound", err)
	}
}

func TestTransmissionRequiresSession(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordTransmission("ghost", dispatch.Transmission{Command: control.Neutral, At: t0})
	if err == nil {
		t.Error("expected foreign key failure for unknown session")
	}
}

func TestListSessions(t *testing.T) {
	db := newTestDB(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.StartSession(id, t0.Add(time.Duration(i)*time.Minute), nil); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("sessions not newest first: %+v", all)
	}
	if all[0].EndedAt != nil {
		t.Error("open session should have no end time")
	}

	two, err := db.ListSessions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 {
		t.Errorf("limit ignored: got %d", len(two))
	}
}

func TestSessionSummary(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "s1")

	sum, err := db.SessionSummary("s1")
	if err != nil {
		t.Fatalf("SessionSummary failed: %v", err)
	}

	// Successful throttles: 20, 60, -40, 0
	if sum.Transmissions != 4 || sum.Failures != 1 || sum.Calibrations != 1 {
		t.Errorf("counts = %+v", sum)
	}
	if sum.ThrottleMean != 10 {
		t.Errorf("ThrottleMean = %v, want 10", sum.ThrottleMean)
	}
	if sum.ThrottleMaxAbs != 60 {
		t.Errorf("ThrottleMaxAbs = %d, want 60", sum.ThrottleMaxAbs)
	}
	if sum.SteeringMaxDeflection != 60 {
		t.Errorf("SteeringMaxDeflection = %d, want 60", sum.SteeringMaxDeflection)
	}
	if sum.ThrottleStdDev <= 0 {
		t.Errorf("ThrottleStdDev = %v, want positive", sum.ThrottleStdDev)
	}
	if sum.DurationS != 2 || sum.CommandsPerS != 2 {
		t.Errorf("duration %v rate %v, want 2s and 2/s", sum.DurationS, sum.CommandsPerS)
	}
}

func TestMeanStdDevSmallInputs(t *testing.T) {
	tests := []struct {
		in       []float64
		mean, sd float64
	}{
		{nil, 0, 0},
		{[]float64{7}, 7, 0},
		{[]float64{2, 4}, 3, 1.4142135623730951},
	}
	for _, tt := range tests {
		mean, sd := meanStdDev(tt.in)
		if mean != tt.mean || sd != tt.sd {
			t.Errorf("meanStdDev(%v) = %v, %v; want %v, %v", tt.in, mean, sd, tt.mean, tt.sd)
		}
	}
}

func TestDSN(t *testing.T) {
	got := dsn("/tmp/x.db")
	want := "/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
	if got := dsn("file:x.db?mode=rwc"); got[:len("file:x.db?mode=rwc&")] != "file:x.db?mode=rwc&" {
		t.Errorf("existing query not extended: %q", got)
	}
}
