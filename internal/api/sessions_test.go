package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/db"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
	"github.com/banshee-data/tiltdrive/internal/testutil"
)

func seed(t *testing.T, store *db.DB) {
	t.Helper()
	require.NoError(t, store.StartSession("s1", t0, config.DefaultControlConfig()))
	for i, cmd := range []control.Command{{ThrottlePct: 20, SteeringDeg: 90}, {ThrottlePct: 60, SteeringDeg: 130}, control.Neutral} {
		require.NoError(t, store.RecordTransmission("s1", dispatch.Transmission{
			Command: cmd,
			Bytes:   8,
			Final:   i == 2,
			At:      t0.Add(time.Duration(i+1) * 100 * time.Millisecond),
		}))
	}
	require.NoError(t, store.RecordCalibration("s1", t0, control.Offset{ZeroPitch: 2}))
	require.NoError(t, store.EndSession("s1", t0.Add(time.Second)))
}

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t, true)
	seed(t, env.db)

	w := env.do(http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	sessions := decode[[]db.Session](t, w)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, 3, sessions[0].Transmissions)

	w = env.do(http.MethodGet, "/api/sessions/s1", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "s1", decode[db.Session](t, w).ID)

	w = env.do(http.MethodGet, "/api/sessions/s1/transmissions", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	recs := decode[[]db.TransmissionRecord](t, w)
	require.Len(t, recs, 3)
	assert.True(t, recs[2].Final)

	w = env.do(http.MethodGet, "/api/sessions/s1/calibrations", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Len(t, decode[[]db.CalibrationRecord](t, w), 1)

	w = env.do(http.MethodGet, "/api/sessions/s1/summary", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	sum := decode[db.SessionSummary](t, w)
	assert.Equal(t, 3, sum.Transmissions)
	assert.Equal(t, 60, sum.ThrottleMaxAbs)
	assert.Equal(t, 40, sum.SteeringMaxDeflection)

	w = env.do(http.MethodGet, "/api/sessions/s1/chart", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, w.Body.String(), "Transmitted commands")
}

func TestSessionRoutesErrors(t *testing.T) {
	env := newTestEnv(t, true)

	for _, path := range []string{
		"/api/sessions/nope",
		"/api/sessions/nope/transmissions",
		"/api/sessions/nope/calibrations",
		"/api/sessions/nope/summary",
		"/api/sessions/nope/chart",
	} {
		w := env.do(http.MethodGet, path, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	}

	w := env.do(http.MethodGet, "/api/sessions?limit=0", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = env.do(http.MethodPost, "/api/sessions", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestSessionRoutesWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
}
