package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Stream message types.
const (
	StreamTimeline = "timeline"
	StreamStatus   = "status"
	StreamDone     = "done"
	StreamError    = "error"
)

const writeWait = 10 * time.Second

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// StreamMessage is one websocket frame of the timeline stream.
type StreamMessage struct {
	Type       string                `json:"type"`
	Entry      *models.TimelineEntry `json:"entry,omitempty"`
	Status     models.Status         `json:"status,omitempty"`
	Round      int                   `json:"round"`
	Confidence float64               `json:"confidence"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// newUpgrader allows requests without an Origin header, any origin when the
// list contains "*", and otherwise only listed origins (case-insensitive).
func newUpgrader(allowed []string) *websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil || u.Host == "" {
				return false
			}
			return set[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// handleStream pushes new timeline entries and status changes until the
// investigation reaches a terminal status or the client goes away. It polls
// the store, so it sees progress made by workers in any process.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Get(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	conn, err := newUpgrader(s.cfg.AllowedOrigins).Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("investigation_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	// The reader notices client closes; stream frames are write-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(m StreamMessage) bool {
		m.Timestamp = time.Now().UTC()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m) == nil
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	sent := 0
	var lastStatus models.Status
	lastRound := -1
	for {
		inv, err := s.svc.Get(ctx, id)
		if err != nil {
			send(StreamMessage{Type: StreamError, Error: err.Error()})
			return
		}
		c := inv.Context
		for ; sent < len(c.Timeline); sent++ {
			entry := c.Timeline[sent]
			if !send(StreamMessage{Type: StreamTimeline, Entry: &entry, Status: c.Status, Round: c.Round, Confidence: c.Confidence}) {
				return
			}
		}
		if c.Status != lastStatus || c.Round != lastRound {
			lastStatus, lastRound = c.Status, c.Round
			if !send(StreamMessage{Type: StreamStatus, Status: c.Status, Round: c.Round, Confidence: c.Confidence}) {
				return
			}
		}
		if c.Status.Terminal() {
			send(StreamMessage{Type: StreamDone, Status: c.Status, Round: c.Round, Confidence: c.Confidence})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "investigation finished"),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
