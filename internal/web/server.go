// Package web serves a small live dashboard of the job history and the
// remembered observing sites.
package web

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astrosorter/internal/storage"
)

// Source is the persisted state the dashboard reads.
type Source interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
	LoadPositions(list string) ([]storage.Position, error)
}

// DashboardData is one snapshot pushed to clients.
type DashboardData struct {
	Queue      QueueStats          `json:"queue"`
	RecentJobs []storage.JobRecord `json:"recentJobs"`
	Favorites  []storage.Position  `json:"favorites"`
	Recents    []storage.Position  `json:"recents"`
	Uptime     int64               `json:"uptimeSeconds"`
	Timestamp  time.Time           `json:"timestamp"`
}

// QueueStats counts the recent jobs by status.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

const recentLimit = 50

// Dashboard renders the page and fans snapshots out to websocket clients.
type Dashboard struct {
	src      Source
	log      *slog.Logger
	interval time.Duration
	started  time.Time
	upgrader websocket.Upgrader
	hub      *hub
}

// NewDashboard creates a dashboard over src.
func NewDashboard(src Source, log *slog.Logger) *Dashboard {
	if log == nil {
		log = slog.Default()
	}
	return &Dashboard{
		src:      src,
		log:      log,
		interval: 2 * time.Second,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: &hub{clients: map[*websocket.Conn]struct{}{}},
	}
}

// Register mounts the dashboard routes.
func (d *Dashboard) Register(r *mux.Router) {
	r.HandleFunc("/", d.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard", d.handleAPI).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/ws", d.handleWebSocket).Methods(http.MethodGet)
}

// Run pushes a snapshot to every client each interval until ctx is done.
func (d *Dashboard) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.hub.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.hub.len() == 0 {
				continue
			}
			data, err := d.Snapshot()
			if err != nil {
				d.log.Warn("dashboard snapshot", "error", err)
				continue
			}
			payload, err := json.Marshal(data)
			if err == nil {
				d.hub.broadcast(payload)
			}
		}
	}
}

// Snapshot reads the current state.
func (d *Dashboard) Snapshot() (DashboardData, error) {
	jobs, err := d.src.RecentJobs(recentLimit)
	if err != nil {
		return DashboardData{}, err
	}
	favorites, err := d.src.LoadPositions(storage.ListFavorites)
	if err != nil {
		return DashboardData{}, err
	}
	recents, err := d.src.LoadPositions(storage.ListRecents)
	if err != nil {
		return DashboardData{}, err
	}

	var q QueueStats
	for _, j := range jobs {
		switch j.Status {
		case "queued":
			q.Queued++
		case "running":
			q.Running++
		case "completed":
			q.Completed++
		case "failed":
			q.Failed++
		}
	}
	return DashboardData{
		Queue:      q,
		RecentJobs: jobs,
		Favorites:  favorites,
		Recents:    recents,
		Uptime:     int64(time.Since(d.started).Seconds()),
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (d *Dashboard) handleAPI(w http.ResponseWriter, r *http.Request) {
	data, err := d.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (d *Dashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := d.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		d.log.Error("render dashboard", "error", err)
	}
}

// handleWebSocket sends the current snapshot at once, then leaves the
// connection to Run.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if data, err := d.Snapshot(); err == nil {
		if err := conn.WriteJSON(data); err != nil {
			conn.Close()
			return
		}
	}
	d.hub.add(conn)

	go func() {
		defer d.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
	}
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			delete(h.clients, c)
			c.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>astrosorter</title>
<style>
body { font-family: sans-serif; background: #0b0d17; color: #d8dee9; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
td, th { padding: 4px 12px; border-bottom: 1px solid #2e3440; text-align: left; }
.failed { color: #bf616a; } .completed { color: #a3be8c; } .running { color: #ebcb8b; }
</style>
</head>
<body>
<h1>astrosorter</h1>
<p id="queue">queued {{.Queue.Queued}} &middot; running {{.Queue.Running}} &middot; completed {{.Queue.Completed}} &middot; failed {{.Queue.Failed}}</p>
<h2>Recent jobs</h2>
<table id="jobs">
<tr><th>ID</th><th>Type</th><th>Status</th><th>Error</th></tr>
{{range .RecentJobs}}<tr><td>{{.ID}}</td><td>{{.JobType}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
<h2>Favorite sites</h2>
<table>
<tr><th>Name</th><th>Lat</th><th>Lon</th></tr>
{{range .Favorites}}<tr><td>{{.Name}}</td><td>{{.Lat}}</td><td>{{.Lon}}</td></tr>
{{end}}</table>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/dashboard/ws");
const esc = (s) => String(s == null ? "" : s).replace(/[&<>"]/g, (c) => ({"&": "&amp;", "<": "&lt;", ">": "&gt;", "\"": "&quot;"}[c]));
ws.onmessage = (ev) => {
  const d = JSON.parse(ev.data);
  const q = d.queue;
  document.getElementById("queue").textContent =
    "queued " + q.queued + " · running " + q.running + " · completed " + q.completed + " · failed " + q.failed;
  const rows = (d.recentJobs || []).map(j =>
    "<tr><td>" + esc(j.id) + "</td><td>" + esc(j.job_type) + "</td><td class=\"" + esc(j.status) + "\">" + esc(j.status) + "</td><td>" + esc(j.error) + "</td></tr>");
  document.getElementById("jobs").innerHTML = "<tr><th>ID</th><th>Type</th><th>Status</th><th>Error</th></tr>" + rows.join("");
};
</script>
</body>
</html>
`))
