package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/metrics"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/reconciler"
	"github.com/andresmejia3/vigil/internal/types"
)

type fakeProvider struct {
	summary pipeline.Summary
	pending []types.PendingRequest
}

func (f *fakeProvider) Snapshot() pipeline.Summary { return f.summary }
func (f *fakeProvider) Pending() []types.PendingRequest { return f.pending }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoutes(t *testing.T) {
	m := metrics.New()
	m.RecordSealed()
	provider := &fakeProvider{
		summary: pipeline.Summary{
			StreamID:    "cam-1",
			ClipsSealed: 4,
			Outcomes:    reconciler.Stats{Succeeded: 3, Dropped: 1},
		},
		pending: []types.PendingRequest{{ClipID: 5, Retries: 1}},
	}
	h := New(provider, m, zerolog.Nop()).Handler()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/api/ping", http.StatusOK, `"message":"pong"`},
		{"/api/v1/status", http.StatusOK, `"clips_sealed":4`},
		{"/api/v1/pending", http.StatusOK, `"total":1`},
		{"/metrics", http.StatusOK, "vigil_clips_sealed_total 1"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, h, tt.path)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body %q missing %q", w.Body.String(), tt.contains)
			}
		})
	}
}

func TestStatusBody(t *testing.T) {
	provider := &fakeProvider{summary: pipeline.Summary{StreamID: "cam-1", Frames: 64, EndpointReady: true}}
	w := get(t, New(provider, nil, zerolog.Nop()).Handler(), "/api/v1/status")

	var got pipeline.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.StreamID != "cam-1" || got.Frames != 64 || !got.EndpointReady {
		t.Errorf("summary = %+v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	w := get(t, New(&fakeProvider{}, nil, zerolog.Nop()).Handler(), "/metrics")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without metrics", w.Code)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	s := New(&fakeProvider{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, addr) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get("http://" + addr + "/api/ping"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
