package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestOrdersRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /orders": `[{"id":1,"category":"plumbing","description":"leaky tap","status":"new","created_at":"2026-08-28T10:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/orders?category=plumbing&status=new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var orders []struct {
		ID       int64  `json:"id"`
		Category string `json:"category"`
		Status   string `json:"status"`
	}
	if err := decodeJSON(resp, &orders); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(orders) != 1 || orders[0].ID != 1 || orders[0].Category != "plumbing" {
		t.Errorf("orders = %+v", orders)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "GET" {
		t.Errorf("method = %q, want GET", r.Method)
	}
	if r.Path != "/orders?category=plumbing&status=new" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestStatsRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"total":4,"new":1,"in_progress":1,"completed":2}`,
	})

	resp, err := ts.client().get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stats map[string]int
	if err := decodeJSON(resp, &stats); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if stats["total"] != 4 || stats["completed"] != 2 {
		t.Errorf("stats = %v", stats)
	}
}

func TestFinanceRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /finance": `{"completed":2,"commission":500,"earnings":1000,"masters":[{"master_id":43,"master_name":"bob","completed":2}],"recent":[]}`,
	})

	resp, err := ts.client().get(ctx, "/finance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report struct {
		Completed  int `json:"completed"`
		Commission int `json:"commission"`
		Earnings   int `json:"earnings"`
	}
	if err := decodeJSON(resp, &report); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if report.Earnings != report.Completed*report.Commission {
		t.Errorf("earnings = %d, want %d", report.Earnings, report.Completed*report.Commission)
	}
}

func TestDecodeJSONErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/orders/999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if got := err.Error(); !bytes.Contains([]byte(got), []byte("404")) {
		t.Errorf("error = %q, want mention of status 404", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := pidFilePath(filepath.Join(dir, "data"))

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after remove")
	}
}
