package serialmux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"tailscale.com/tsweb"
)

var linkTemplate = template.Must(template.New("link").Parse(`<!doctype html>
<html>
<head><title>vehicle link</title></head>
<body>
<h1>Vehicle link: {{.Status}}</h1>
<table>
<tr><td>connected since</td><td>{{.ConnectedAgo}}</td></tr>
<tr><td>commands sent</td><td>{{.Stats.CommandsSent}}</td></tr>
<tr><td>bytes sent</td><td>{{.BytesSent}}</td></tr>
<tr><td>write errors</td><td>{{.Stats.WriteErrors}}</td></tr>
<tr><td>last command</td><td>{{.LastCommandAgo}}</td></tr>
</table>
<form method="post" action="link-send">
<input name="command" placeholder="T0:S90">
<button type="submit">send</button>
</form>
<form method="post" action="link-reconnect"><button type="submit">reconnect</button></form>
<h2>tail</h2>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
const es = new EventSource("link-tail");
es.onmessage = (e) => { tail.textContent = (e.data + "\n" + tail.textContent).slice(0, 20000); };
</script>
</body>
</html>
`))

type linkPage struct {
	Status         Status
	Stats          Stats
	BytesSent      string
	ConnectedAgo   string
	LastCommandAgo string
}

func describeStats(st Status, stats Stats) linkPage {
	p := linkPage{
		Status:         st,
		Stats:          stats,
		BytesSent:      humanize.Bytes(stats.BytesSent),
		ConnectedAgo:   "-",
		LastCommandAgo: "-",
	}
	if !stats.ConnectedAt.IsZero() {
		p.ConnectedAgo = humanize.Time(stats.ConnectedAt)
	}
	if !stats.LastCommandAt.IsZero() {
		p.LastCommandAgo = humanize.Time(stats.LastCommandAt)
	}
	return p
}

// Summary is a one-line description of the link for logs and the debug index.
func Summary(st Status, stats Stats) string {
	return fmt.Sprintf("%s, %s commands, %s sent, %d write errors",
		st, humanize.Comma(int64(stats.CommandsSent)), humanize.Bytes(stats.BytesSent), stats.WriteErrors)
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("vehicle link", func() any {
		return Summary(s.Status(), s.Stats())
	})

	debug.HandleFunc("link", "vehicle link status, raw command console and live tail", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := linkTemplate.Execute(buf, describeStats(s.Status(), s.Stats())); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("link-status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": s.Status(),
			"stats":  s.Stats(),
		})
	})

	// Write a raw line to the vehicle, bypassing the dispatcher.
	debug.HandleSilentFunc("link-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write command: %v", err), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("link-reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.Connect(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, s.Status().String())
	})

	// Server-Sent Events with each line the vehicle sends back.
	debug.HandleSilentFunc("link-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
