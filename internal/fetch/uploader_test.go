package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/model"
)

func TestUploader_Upload(t *testing.T) {
	seen := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	events := []*model.HistoryEvent{
		{ID: "ev-1", BeaconPID: "pid-1", EventType: beacon.EventEnter, SeenAt: seen},
	}
	actions := []*model.HistoryAction{
		{ID: "ac-1", RuleUUID: "rule-1", BeaconPID: "pid-1", EventType: beacon.EventExit, FiredAt: seen},
	}

	t.Run("posts the batch as json", func(t *testing.T) {
		var body []byte
		var contentType string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ = io.ReadAll(r.Body)
			contentType = r.Header.Get("Content-Type")
		}))
		defer srv.Close()

		u := NewUploader(srv.URL, "")
		if err := u.Upload(context.Background(), events, actions); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		if contentType != "application/json" {
			t.Errorf("Content-Type = %q", contentType)
		}

		var got struct {
			Events []struct {
				PID     string `json:"pid"`
				Trigger int    `json:"trigger"`
			} `json:"events"`
			Actions []struct {
				RuleUUID string `json:"eid"`
				Trigger  int    `json:"trigger"`
			} `json:"actions"`
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decoding upload body: %v", err)
		}
		if len(got.Events) != 1 || got.Events[0].PID != "pid-1" || got.Events[0].Trigger != 1 {
			t.Errorf("events = %+v", got.Events)
		}
		if len(got.Actions) != 1 || got.Actions[0].RuleUUID != "rule-1" || got.Actions[0].Trigger != 2 {
			t.Errorf("actions = %+v", got.Actions)
		}
	})

	t.Run("server error is not an acknowledgment", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		u := NewUploader(srv.URL, "")
		err := u.Upload(context.Background(), events, actions)

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("error = %v, want *HTTPError", err)
		}
	})

	t.Run("connection failure is a NetworkError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		u := NewUploader(srv.URL, "")
		err := u.Upload(context.Background(), events, actions)

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("error = %v, want *NetworkError", err)
		}
	})
}
