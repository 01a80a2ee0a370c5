package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/telemetry"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOriginOrLoopback,
}

// sameOriginOrLoopback accepts clients that send no Origin, pages served by
// this server, and pages served from the local machine.
func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stream pushes telemetry frames to a websocket client, starting with the
// current snapshot. Clients only listen; anything they send is discarded.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "telemetry stream is disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("stream: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, frames := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					monitoring.Logf("stream: websocket error: %v", err)
				}
				return
			}
		}
	}()

	send := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			monitoring.Debugf("stream: write failed: %v", err)
			return false
		}
		return true
	}

	snap := s.ctl.Snapshot()
	if !send(telemetry.Frame{Kind: telemetry.KindSnapshot, At: snap.At, Data: snap}) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !send(f) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
