package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/apperrors"
)

func TestHTTPGateway_Send_Success(t *testing.T) {
	t.Parallel()

	type gotReq struct {
		Method      string
		Path        string
		ContentType string
		Body        []byte
	}

	var captured gotReq

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Path = r.URL.Path
		captured.ContentType = r.Header.Get("Content-Type")
		captured.Body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted","messageId":"abc-123"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	msgID, err := g.Send(context.Background(), "chan-9", "+361234567", "hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if msgID != "abc-123" {
		t.Fatalf("expected messageId %q, got %q", "abc-123", msgID)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", captured.Method)
	}
	if captured.Path != "/channels/chan-9/messages" {
		t.Fatalf("unexpected path %q", captured.Path)
	}
	if captured.ContentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", captured.ContentType)
	}

	var req sendRequest
	if err := json.Unmarshal(captured.Body, &req); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(captured.Body))
	}
	if req.PhoneNumber != "+361234567" {
		t.Fatalf("expected phoneNumber %q, got %q", "+361234567", req.PhoneNumber)
	}
	if req.Message != "hello" {
		t.Fatalf("expected message %q, got %q", "hello", req.Message)
	}
}

func TestHTTPGateway_Send_StatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad number is terminal", http.StatusBadRequest, false},
		{"not found is terminal", http.StatusNotFound, false},
		{"request timeout retries", http.StatusRequestTimeout, true},
		{"rate limit retries", http.StatusTooManyRequests, true},
		{"server error retries", http.StatusInternalServerError, true},
		{"bad gateway retries", http.StatusBadGateway, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			g := NewHTTPGateway(srv.URL, time.Second)

			_, err := g.Send(context.Background(), "c", "+361", "hi")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}

			var ge *apperrors.GatewayError
			if !errors.As(err, &ge) {
				t.Fatalf("expected GatewayError, got %T: %v", err, err)
			}
			if ge.Code != tc.status {
				t.Fatalf("expected code %d, got %d", tc.status, ge.Code)
			}
			if ge.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%t for status %d, got %t", tc.retryable, tc.status, ge.Retryable)
			}
			if !strings.Contains(ge.Body, "nope") {
				t.Fatalf("expected body in error, got %q", ge.Body)
			}
		})
	}
}

func TestHTTPGateway_Send_TransportErrorIsRetryable(t *testing.T) {
	t.Parallel()

	// Server that blocks past the client timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, 20*time.Millisecond)

	_, err := g.Send(context.Background(), "c", "+361", "hi")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	var ge *apperrors.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %T: %v", err, err)
	}
	if !ge.Retryable {
		t.Fatalf("expected transport failure to be retryable")
	}
}

func TestHTTPGateway_Send_MissingMessageID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	_, err := g.Send(context.Background(), "c", "+361", "hi")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "missing messageId") {
		t.Fatalf("expected missing messageId error, got: %v", err)
	}
}

func TestHTTPGateway_UpdateSettings_FallsBackToPut(t *testing.T) {
	t.Parallel()

	var methods []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	err := g.UpdateSettings(context.Background(), "chan-1", map[string]any{"webhookEnabled": true})
	if err != nil {
		t.Fatalf("UpdateSettings() error: %v", err)
	}

	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodPut {
		t.Fatalf("expected POST then PUT, got %v", methods)
	}
}

func TestHTTPGateway_UpdateSettings_SurfacesTerminalError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad settings"))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	err := g.UpdateSettings(context.Background(), "chan-1", map[string]any{"x": 1})
	var ge *apperrors.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %T: %v", err, err)
	}
	if ge.Retryable {
		t.Fatalf("expected 422 to be terminal")
	}
}
