package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/todo"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	srv := NewServer(db, &Config{Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestInsertThenSelect(t *testing.T) {
	ts := setupServer(t)

	resp := postJSON(t, ts.URL+"/v1/todos/insert", InsertRequest{Rows: []todo.Item{{Text: "buy milk", Owner: "u1"}}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/todos/select", SelectRequest{Filter: remote.Filter{Owner: "u1"}})
	var rows RowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rows.Rows) != 1 || rows.Rows[0].Text != "buy milk" {
		t.Errorf("rows = %+v", rows.Rows)
	}
}

func TestErrorResponses(t *testing.T) {
	ts := setupServer(t)

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing owner",
			path:       "/v1/todos/select",
			body:       SelectRequest{},
			wantStatus: http.StatusForbidden,
			wantCode:   remote.CodeInsufficientPriv,
		},
		{
			name:       "unknown table",
			path:       "/v1/nope/select",
			body:       SelectRequest{Filter: remote.Filter{Owner: "u1"}},
			wantStatus: http.StatusNotFound,
			wantCode:   remote.CodeUndefinedTable,
		},
		{
			name:       "malformed body",
			path:       "/v1/todos/delete",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantCode:   remote.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var re remote.Error
			if err := json.NewDecoder(resp.Body).Decode(&re); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if re.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", re.Code, tt.wantCode)
			}
		})
	}
}

func TestFeedRequiresOwner(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/v1/todos/feed")
	if err != nil {
		t.Fatalf("GET feed failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		remote.CodeUniqueViolation:     http.StatusConflict,
		remote.CodeForeignKeyViolation: http.StatusConflict,
		remote.CodeInsufficientPriv:    http.StatusForbidden,
		remote.CodeInternal:            http.StatusInternalServerError,
		"weird":                        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%q) = %d, want %d", code, got, want)
		}
	}
}
