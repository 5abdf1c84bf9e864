package mockserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/types"
)

func post(t *testing.T, s *Server, req types.InferenceRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/infer", bytes.NewReader(body)))
	return rec
}

func rawRequest(frames int) types.InferenceRequest {
	f := base64.StdEncoding.EncodeToString(make([]byte, 2*2*3))
	req := types.InferenceRequest{Width: 2, Height: 2, Format: "BGR"}
	for i := 0; i < frames; i++ {
		req.Frames = append(req.Frames, f)
	}
	return req
}

func TestInferSuccess(t *testing.T) {
	s := New(Options{ModelLoaded: true}, zerolog.Nop())
	rec := post(t, s, rawRequest(16))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp types.InferenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Predictions) != 5 {
		t.Fatalf("got %d predictions, want 5", len(resp.Predictions))
	}
	for i := 1; i < len(resp.Predictions); i++ {
		if resp.Predictions[i].Confidence > resp.Predictions[i-1].Confidence {
			t.Errorf("predictions not descending at %d", i)
		}
	}
	if resp.ClipID == "" {
		t.Error("expected a remote clip_id")
	}
	if s.Succeeded() != 1 || s.LastRequest() == nil {
		t.Errorf("server did not record the request")
	}
}

func TestInferStatusCases(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		req  types.InferenceRequest
		want int
	}{
		{"Model not loaded", Options{}, rawRequest(2), http.StatusServiceUnavailable},
		{"No frames", Options{ModelLoaded: true}, rawRequest(0), http.StatusBadRequest},
		{"Wrong frame count", Options{ModelLoaded: true, ExpectFrames: 16}, rawRequest(8), http.StatusBadRequest},
		{"Bad base64", Options{ModelLoaded: true}, types.InferenceRequest{Frames: []string{"!!"}, Width: 2, Height: 2, Format: "BGR"}, http.StatusBadRequest},
		{"Short raw frame", Options{ModelLoaded: true}, types.InferenceRequest{Frames: []string{"AAAA"}, Width: 2, Height: 2, Format: "BGR"}, http.StatusBadRequest},
		{"Scripted 500", Options{ModelLoaded: true, FailFirst: []int{500}}, rawRequest(1), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.opts, zerolog.Nop())
			if rec := post(t, s, tt.req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestFailFirstThenSucceed(t *testing.T) {
	s := New(Options{ModelLoaded: true, FailFirst: []int{503, 503}}, zerolog.Nop())
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, post(t, s, rawRequest(1)).Code)
	}
	want := []int{503, 503, 200}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
	if s.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", s.Calls())
	}
}

func TestHealth(t *testing.T) {
	s := New(Options{}, zerolog.Nop())

	get := func() types.Health {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var h types.Health
		json.Unmarshal(rec.Body.Bytes(), &h)
		return h
	}

	if get().Ready() {
		t.Error("should not be ready before model load")
	}
	s.SetModelLoaded(true)
	if !get().Ready() {
		t.Error("should be ready after model load")
	}
}
