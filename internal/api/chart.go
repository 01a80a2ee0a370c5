package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tiltdrive/internal/db"
)

// echartsAssetsHost serves the echarts script.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// showChart renders throttle and steering over the session as an HTML line
// chart. Failed writes are left out.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	if !s.storeAvailable(w) {
		return
	}
	id := r.PathValue("id")
	session, err := s.db.GetSession(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	records, err := s.db.SessionTransmissions(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := renderSessionChart(&buf, session, records); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderSessionChart(buf *bytes.Buffer, session *db.Session, records []db.TransmissionRecord) error {
	x := make([]string, 0, len(records))
	throttle := make([]opts.LineData, 0, len(records))
	steering := make([]opts.LineData, 0, len(records))
	for _, rec := range records {
		if rec.Error != "" {
			continue
		}
		x = append(x, fmt.Sprintf("%.1f", rec.SentAt.Sub(session.StartedAt).Seconds()))
		throttle = append(throttle, opts.LineData{Value: rec.Command.ThrottlePct})
		steering = append(steering, opts.LineData{Value: rec.Command.SteeringDeg})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "tiltdrive session", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Transmitted commands", Subtitle: fmt.Sprintf("session=%s commands=%d", session.ID, len(x))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -100, Max: 180}),
	)
	line.SetXAxis(x).
		AddSeries("throttle %", throttle, charts.WithLineChartOpts(opts.LineChart{Step: "end"})).
		AddSeries("steering °", steering, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))

	return line.Render(buf)
}
