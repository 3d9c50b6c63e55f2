package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestRequestIDGenerated(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got == "" {
		t.Fatal("no request id in context")
	}
	if rec.Header().Get("X-Request-ID") != got {
		t.Error("response header disagrees with context id")
	}
}

func TestRequestIDHonorsCaller(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "caller-supplied" {
		t.Fatalf("request id %q", got)
	}
}

func TestPatientContext(t *testing.T) {
	var got string
	h := PatientContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPatientContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Patient-Context", "patient-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "patient-7" {
		t.Fatalf("patient context %q", got)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"key-1": "client-a"}
	var client string
	h := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client = GetClientID(r.Context())
	}))

	cases := []struct {
		name   string
		header func(*http.Request)
		status int
		client string
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"invalid", func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") }, http.StatusUnauthorized, ""},
		{"api key", func(r *http.Request) { r.Header.Set("X-API-Key", "key-1") }, http.StatusOK, "client-a"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer key-1") }, http.StatusOK, "client-a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.header(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status %d, want %d", rec.Code, tc.status)
			}
			if client != tc.client {
				t.Errorf("client %q, want %q", client, tc.client)
			}
		})
	}
}

func TestRecoverTurnsPanicInto500(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
