// Package viz serves a live, websocket-pushed view of a running Simulation: entropy
// and distribution size over time. It is adapted from the teacher's server/server.go
// push loop (same upgrade/publish/close method shapes and timing constants) but
// retargeted at simulation snapshots instead of a gridworld value function — the
// teacher's server/fastview and server/cell_views packages are generic, unfinished
// view-builder scaffolding for a problem (SVG cell grids) this domain does not have,
// so they are not reused here; see DESIGN.md.
package viz

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

const (
	// Time allowed to write a message to the peer.
	writeWait = 1 * time.Second
	// Time to wait before force close on connection.
	closeGracePeriod = 2 * time.Second
	// Updates are published at most this often, to avoid saturating slow clients.
	publishResolution = 200 * time.Millisecond
)

// Snapshot is one point-in-time view of a Simulation's progress, produced after each
// step; the server pushes at most one per publishResolution and drops the rest.
type Snapshot struct {
	Time           uint64  `json:"time"`
	Entropy        float64 `json:"entropy"`
	ReachableCount int     `json:"reachable_count"`
	PossibleCount  int     `json:"possible_count"`
}

// Source produces a Snapshot for each completed step. engine.SnapshotSource, a small
// adapter over a *engine.Simulation, satisfies it.
type Source interface {
	Next(ctx context.Context) (Snapshot, bool, error)
}

// Server pushes Snapshots from a Source to any connected browser over a websocket,
// mirroring the teacher's Server: a thin HTTP layer whose only responsibilities are
// serving the index page and relaying updates.
type Server struct {
	addr   string
	source Source
	logger *zap.Logger
}

// NewServer returns a Server that will serve addr and stream snapshots from source.
func NewServer(addr string, source Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, source: source, logger: logger}
}

// Serve blocks, serving the index page and the websocket endpoint.
func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveIndex)
	mux.HandleFunc("/ws", s.serveWebsocket)

	if err := http.ListenAndServe(s.addr, mux); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer s.closeWebsocket(ws)
	s.publishUpdates(r.Context(), ws)
}

// publishUpdates pulls snapshots from the source and pushes them to ws, dropping
// updates that arrive faster than publishResolution (same throttling discipline as
// the teacher's publishUpdates).
func (s *Server) publishUpdates(ctx context.Context, ws *websocket.Conn) {
	last := time.Now()
	for {
		snap, ok, err := s.source.Next(ctx)
		if err != nil {
			s.logger.Error("snapshot source failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if time.Since(last) < publishResolution {
			continue
		}
		last = time.Now()

		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			s.logger.Error("set write deadline failed", zap.Error(err))
			return
		}
		if err := ws.WriteJSON(snap); err != nil {
			s.logger.Error("write snapshot failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) closeWebsocket(ws *websocket.Conn) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(closeGracePeriod)
	_ = ws.Close()
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_ = indexTemplate.Execute(w, nil)
}

var indexTemplate = template.Must(template.New("index").Parse(`
<html>
<body>
<div id="entropy"></div>
<script>
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (ev) => {
	const s = JSON.parse(ev.data);
	document.getElementById("entropy").textContent =
		"t=" + s.time + " H=" + s.entropy.toFixed(4) +
		" reachable=" + s.reachable_count + " possible=" + s.possible_count;
};
</script>
</body>
</html>
`))
