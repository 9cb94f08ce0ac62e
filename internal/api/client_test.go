package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"riderlink/internal/models"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no session")
	}
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", staticToken("tkn"))
}

func TestToggleOnlineStatus(t *testing.T) {
	var got onlineStatusRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/riders/me/online-status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tkn" {
			t.Errorf("unexpected authorization %q", auth)
		}
		got.IsOnline = true
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.ToggleOnlineStatus(context.Background(), false); err != nil {
		t.Fatalf("ToggleOnlineStatus failed: %v", err)
	}
	if got.IsOnline {
		t.Error("expected is_online=false in request body")
	}
}

func TestSendShipmentMessage(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/shipments/shp1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if key := r.Header.Get("Idempotency-Key"); key != "cid-1" {
			t.Errorf("expected idempotency key cid-1, got %q", key)
		}
		var req models.SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Content != "Arrived" || req.ClientID != "cid-1" {
			t.Errorf("unexpected body %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Message{
			ID:        "abc123",
			ClientID:  req.ClientID,
			SenderID:  "rider-1",
			Content:   req.Content,
			CreatedAt: created,
		})
	})

	msg, err := c.SendShipmentMessage(context.Background(), models.SendMessageRequest{
		ShipmentID: "shp1",
		Content:    "Arrived",
		ClientID:   "cid-1",
	})
	if err != nil {
		t.Fatalf("SendShipmentMessage failed: %v", err)
	}
	if msg.ID != "abc123" || !msg.CreatedAt.Equal(created) {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestGetShipment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shipments/shp1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"status": "in_transit",
			"assigned_rider_id": "rider-1",
			"tracking_history": [
				{"id": "e1", "status": "assigned", "timestamp": "2026-01-01T10:00:00Z"},
				{"id": "e2", "status": "in_transit", "timestamp": "2026-01-01T11:00:00Z", "location_label": "Hub A"}
			]
		}`))
	})

	detail, err := c.GetShipment(context.Background(), "shp1")
	if err != nil {
		t.Fatalf("GetShipment failed: %v", err)
	}
	if detail.ID != "shp1" || detail.Status != models.StatusInTransit || detail.AssignedRiderID != "rider-1" {
		t.Errorf("unexpected detail %+v", detail)
	}
	if len(detail.TrackingHistory) != 2 || detail.TrackingHistory[1].LocationLabel != "Hub A" {
		t.Errorf("unexpected history %+v", detail.TrackingHistory)
	}
}

func TestMessagesAndRead(t *testing.T) {
	var readCalled bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/chat/shipments/shp1/messages":
			_, _ = w.Write([]byte(`[{"id":"m1","sender_id":"u1","content":"hi","created_at":"2026-01-01T10:00:00Z"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/chat/shipments/shp1/read":
			readCalled = true
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})

	msgs, err := c.GetShipmentMessages(context.Background(), "shp1")
	if err != nil {
		t.Fatalf("GetShipmentMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].SenderID != "u1" {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if err := c.MarkShipmentRead(context.Background(), "shp1"); err != nil {
		t.Fatalf("MarkShipmentRead failed: %v", err)
	}
	if !readCalled {
		t.Error("read endpoint not called")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"Unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		}},
		{"Not found", http.StatusNotFound, func(t *testing.T, err error) {
			if !errors.Is(err, models.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		}},
		{"Server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var se *StatusError
			if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
				t.Errorf("expected StatusError 500, got %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tt.status)
			})
			_, err := c.GetShipment(context.Background(), "shp1")
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestNoToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken(""))
	if err := c.ToggleOnlineStatus(context.Background(), false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if called {
		t.Error("request must not be sent without a token")
	}
}

func TestInvalidShipmentID(t *testing.T) {
	c := New("http://127.0.0.1:1", staticToken("tkn"))
	if _, err := c.GetShipment(context.Background(), "../admin"); err == nil {
		t.Fatal("expected error for invalid id")
	}
}
