package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockPool struct {
	pingError error
}

func (m *mockPool) Ping(ctx context.Context) error {
	return m.pingError
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		pool               Pinger
		checks             map[string]Check
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with nil pool",
			pool:               nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "healthy store",
			pool:               &mockPool{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "store ping fails",
			pool:               &mockPool{pingError: errors.New("connection refused")},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false},
		},
		{
			name: "passing check",
			pool: &mockPool{},
			checks: map[string]Check{
				"queue": func(context.Context) error { return nil },
			},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Checks: map[string]string{"queue": "ok"}},
		},
		{
			name: "failing check",
			pool: &mockPool{},
			checks: map[string]Check{
				"queue": func(context.Context) error { return errors.New("not started") },
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "queue check failed", Database: true, Checks: map[string]string{"queue": "not started"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(tt.pool, tt.checks)
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var got Status
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("JSON parse error: %v", err)
			}
			if got.OK != tt.expectedStatus.OK || got.Message != tt.expectedStatus.Message || got.Database != tt.expectedStatus.Database {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
			for k, v := range tt.expectedStatus.Checks {
				if got.Checks[k] != v {
					t.Errorf("check %s = %q, want %q", k, got.Checks[k], v)
				}
			}
		})
	}
}

func TestHTTPHandler_PingHonoursTimeout(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	w := httptest.NewRecorder()
	HTTPHandler(slow, nil)(w, httptest.NewRequest("GET", "/healthz", nil))

	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("handler took %s, want it bounded by the ping timeout", took)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", w.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
