package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookClient_Send_DeliversFollowUp(t *testing.T) {
	t.Parallel()

	var (
		gotReq  sendRequest
		gotAuth string
		gotCT   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"queued","messageId":"SM9f2c"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, "carrier-token", time.Second)

	id, err := c.Send(context.Background(), "+15550100", "Hi Dana, still looking at the 3-bed on Elm?")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "SM9f2c" {
		t.Fatalf("expected provider id SM9f2c, got %q", id)
	}
	if gotReq.PhoneNumber != "+15550100" {
		t.Fatalf("expected phoneNumber +15550100, got %q", gotReq.PhoneNumber)
	}
	if !strings.HasPrefix(gotReq.Message, "Hi Dana") {
		t.Fatalf("unexpected message body %q", gotReq.Message)
	}
	if gotAuth != "Bearer carrier-token" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotCT != "application/json" {
		t.Fatalf("expected json content type, got %q", gotCT)
	}
}

func TestWebhookClient_Send_OmitsAuthWithoutToken(t *testing.T) {
	t.Parallel()

	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"SM1"}`))
	}))
	defer srv.Close()

	if _, err := NewWebhookClient(srv.URL, "", 0).Send(context.Background(), "+15550101", "hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if sawAuth {
		t.Fatalf("expected no Authorization header")
	}
}

func TestWebhookClient_Send_RejectedResponses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   []string
	}{
		{
			name:   "carrier refuses",
			status: http.StatusUnprocessableEntity,
			body:   "number unreachable",
			want:   []string{"unexpected status code: 422", `body="number unreachable"`},
		},
		{
			name:   "ok instead of accepted",
			status: http.StatusOK,
			body:   `{"messageId":"SM2"}`,
			want:   []string{"unexpected status code: 200"},
		},
		{
			name:   "garbled body",
			status: http.StatusAccepted,
			body:   "<html>gateway</html>",
			want:   []string{"failed to decode json", `body="<html>gateway</html>"`},
		},
		{
			name:   "no provider id",
			status: http.StatusAccepted,
			body:   `{"message":"queued"}`,
			want:   []string{"missing messageId"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewWebhookClient(srv.URL, "", time.Second).Send(context.Background(), "+15550102", "hi")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("expected error to contain %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestWebhookClient_Send_HonorsDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewWebhookClient(srv.URL, "", 5*time.Second).Send(ctx, "+15550103", "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
}
