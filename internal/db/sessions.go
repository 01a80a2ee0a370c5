package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one activation of the controller.
type Session struct {
	ID            string          `json:"session_id"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	Transmissions int             `json:"transmissions"`
}

// TransmissionRecord is a stored write attempt.
type TransmissionRecord struct {
	SentAt  time.Time       `json:"sent_at"`
	Command control.Command `json:"command"`
	Bytes   int             `json:"bytes"`
	Final   bool            `json:"final"`
	Error   string          `json:"error,omitempty"`
}

// CalibrationRecord is a stored calibration.
type CalibrationRecord struct {
	TakenAt time.Time      `json:"taken_at"`
	Offset  control.Offset `json:"offset"`
}

func (db *DB) StartSession(id string, startedAt time.Time, cfg *config.ControlConfig) error {
	cfgJSON := []byte("{}")
	if cfg != nil {
		var err error
		if cfgJSON, err = json.Marshal(cfg); err != nil {
			return fmt.Errorf("marshal session config: %w", err)
		}
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, config_json) VALUES (?, ?, ?)`,
		id, unixSeconds(startedAt), string(cfgJSON),
	)
	return wrap("start session", err)
}

func (db *DB) EndSession(id string, endedAt time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, unixSeconds(endedAt), id)
	if err != nil {
		return wrap("end session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

func (db *DB) RecordTransmission(sessionID string, t dispatch.Transmission) error {
	errText := ""
	if t.Err != nil {
		errText = t.Err.Error()
	}
	_, err := db.Exec(
		`INSERT INTO transmissions (session_id, sent_at, throttle_pct, steering_deg, bytes, final, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, unixSeconds(t.At), t.Command.ThrottlePct, t.Command.SteeringDeg,
		t.Bytes, boolToInt(t.Final), errText,
	)
	return wrap("record transmission", err)
}

func (db *DB) RecordCalibration(sessionID string, takenAt time.Time, o control.Offset) error {
	_, err := db.Exec(
		`INSERT INTO calibrations (session_id, taken_at, zero_pitch, zero_roll) VALUES (?, ?, ?, ?)`,
		sessionID, unixSeconds(takenAt), o.ZeroPitch, o.ZeroRoll,
	)
	return wrap("record calibration", err)
}

const sessionColumns = `s.session_id, s.started_at, s.ended_at, s.config_json,
	(SELECT COUNT(*) FROM transmissions t WHERE t.session_id = s.session_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s       Session
		started float64
		ended   sql.NullFloat64
		cfg     string
	)
	if err := row.Scan(&s.ID, &started, &ended, &cfg, &s.Transmissions); err != nil {
		return Session{}, err
	}
	s.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		s.EndedAt = &t
	}
	s.Config = json.RawMessage(cfg)
	return s, nil
}

// ListSessions returns up to limit sessions, newest first.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT `+sessionColumns+` FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, wrap("list sessions", rows.Err())
}

func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, wrap("get session", err)
	}
	return &s, nil
}

// SessionTransmissions returns every write attempt in the session, oldest
// first.
func (db *DB) SessionTransmissions(id string) ([]TransmissionRecord, error) {
	rows, err := db.Query(
		`SELECT sent_at, throttle_pct, steering_deg, bytes, final, error
		 FROM transmissions WHERE session_id = ? ORDER BY sent_at, transmission_id`, id)
	if err != nil {
		return nil, wrap("session transmissions", err)
	}
	defer rows.Close()

	records := []TransmissionRecord{}
	for rows.Next() {
		var (
			r     TransmissionRecord
			sent  float64
			final int
		)
		if err := rows.Scan(&sent, &r.Command.ThrottlePct, &r.Command.SteeringDeg, &r.Bytes, &final, &r.Error); err != nil {
			return nil, wrap("session transmissions", err)
		}
		r.SentAt = fromUnixSeconds(sent)
		r.Final = final != 0
		records = append(records, r)
	}
	return records, wrap("session transmissions", rows.Err())
}

func (db *DB) SessionCalibrations(id string) ([]CalibrationRecord, error) {
	rows, err := db.Query(
		`SELECT taken_at, zero_pitch, zero_roll FROM calibrations
		 WHERE session_id = ? ORDER BY taken_at, calibration_id`, id)
	if err != nil {
		return nil, wrap("session calibrations", err)
	}
	defer rows.Close()

	records := []CalibrationRecord{}
	for rows.Next() {
		var (
			r     CalibrationRecord
			taken float64
		)
		if err := rows.Scan(&taken, &r.Offset.ZeroPitch, &r.Offset.ZeroRoll); err != nil {
			return nil, wrap("session calibrations", err)
		}
		r.TakenAt = fromUnixSeconds(taken)
		records = append(records, r)
	}
	return records, wrap("session calibrations", rows.Err())
}

// SessionSummary describes the commands a session delivered. Failed writes
// are counted but left out of the statistics.
type SessionSummary struct {
	SessionID     string  `json:"session_id"`
	Transmissions int     `json:"transmissions"`
	Failures      int     `json:"failures"`
	Calibrations  int     `json:"calibrations"`
	DurationS     float64 `json:"duration_s"`
	CommandsPerS  float64 `json:"commands_per_s"`

	ThrottleMean   float64 `json:"throttle_mean"`
	ThrottleStdDev float64 `json:"throttle_stddev"`
	ThrottleMaxAbs int     `json:"throttle_max_abs"`

	SteeringMean   float64 `json:"steering_mean"`
	SteeringStdDev float64 `json:"steering_stddev"`

	// largest distance from centre, in degrees
	SteeringMaxDeflection int `json:"steering_max_deflection"`
}

func (db *DB) SessionSummary(id string) (*SessionSummary, error) {
	session, err := db.GetSession(id)
	if err != nil {
		return nil, err
	}
	records, err := db.SessionTransmissions(id)
	if err != nil {
		return nil, err
	}
	cals, err := db.SessionCalibrations(id)
	if err != nil {
		return nil, err
	}

	sum := &SessionSummary{SessionID: id, Calibrations: len(cals)}
	var throttle, steering []float64
	for _, r := range records {
		if r.Error != "" {
			sum.Failures++
			continue
		}
		sum.Transmissions++
		throttle = append(throttle, float64(r.Command.ThrottlePct))
		steering = append(steering, float64(r.Command.SteeringDeg))
		if a := abs(r.Command.ThrottlePct); a > sum.ThrottleMaxAbs {
			sum.ThrottleMaxAbs = a
		}
		if d := abs(r.Command.SteeringDeg - control.SteeringCenter); d > sum.SteeringMaxDeflection {
			sum.SteeringMaxDeflection = d
		}
	}
	sum.ThrottleMean, sum.ThrottleStdDev = meanStdDev(throttle)
	sum.SteeringMean, sum.SteeringStdDev = meanStdDev(steering)

	end := session.StartedAt
	switch {
	case session.EndedAt != nil:
		end = *session.EndedAt
	case len(records) > 0:
		end = records[len(records)-1].SentAt
	}
	sum.DurationS = end.Sub(session.StartedAt).Seconds()
	if sum.DurationS > 0 {
		sum.CommandsPerS = float64(sum.Transmissions) / sum.DurationS
	}
	return sum, nil
}

// meanStdDev is stat.MeanStdDev with JSON-safe results for fewer than two
// values.
func meanStdDev(x []float64) (mean, std float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	mean, std = stat.MeanStdDev(x, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
