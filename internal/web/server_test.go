package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astrosorter/internal/storage"
)

type stubSource struct {
	jobs      []storage.JobRecord
	positions map[string][]storage.Position
	err       error
}

func (s stubSource) RecentJobs(limit int) ([]storage.JobRecord, error) {
	return s.jobs, s.err
}

func (s stubSource) LoadPositions(list string) ([]storage.Position, error) {
	return s.positions[list], nil
}

func newTestDashboard(src Source) (*Dashboard, http.Handler) {
	d := NewDashboard(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := mux.NewRouter()
	d.Register(r)
	return d, r
}

var sample = stubSource{
	jobs: []storage.JobRecord{
		{ID: "sequator-1", JobType: "sequator", Status: "completed"},
		{ID: "dss-1", JobType: "dss", Status: "failed", Error: "session has no light frames"},
		{ID: "convert-1", JobType: "convert", Status: "running"},
	},
	positions: map[string][]storage.Position{
		storage.ListFavorites: {{Name: "ridge", Lat: 46.5, Lon: 8.25}},
	},
}

func TestSnapshotCountsStatuses(t *testing.T) {
	d, _ := newTestDashboard(sample)
	data, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	want := QueueStats{Running: 1, Completed: 1, Failed: 1}
	if data.Queue != want {
		t.Fatalf("queue = %+v, want %+v", data.Queue, want)
	}
	if len(data.Favorites) != 1 || len(data.Recents) != 0 {
		t.Fatalf("unexpected positions %+v %+v", data.Favorites, data.Recents)
	}
}

func TestDashboardPage(t *testing.T) {
	_, h := newTestDashboard(sample)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"sequator-1", "ridge", "failed 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("page missing %q", want)
		}
	}
}

func TestDashboardAPIError(t *testing.T) {
	_, h := newTestDashboard(stubSource{err: errors.New("db closed")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestWebSocketSendsSnapshot(t *testing.T) {
	_, h := newTestDashboard(sample)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dashboard/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var data DashboardData
	if err := json.Unmarshal(msg, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.RecentJobs) != 3 || data.Queue.Failed != 1 {
		t.Fatalf("unexpected snapshot %+v", data)
	}
}
