package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"beaconkit/internal/model"
)

// Uploader posts flushed history batches to the backend. A 2xx response is
// the acknowledgment after which the caller marks rows delivered.
type Uploader struct {
	url    string
	apiKey string
	client *http.Client
}

// NewUploader creates an Uploader for the given history endpoint.
func NewUploader(url, apiKey string) *Uploader {
	return &Uploader{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

type historyBatch struct {
	Events  []uploadEvent  `json:"events"`
	Actions []uploadAction `json:"actions"`
}

type uploadEvent struct {
	PID       string    `json:"pid"`
	Trigger   int       `json:"trigger"`
	Timestamp time.Time `json:"dt"`
}

type uploadAction struct {
	RuleUUID  string    `json:"eid"`
	PID       string    `json:"pid"`
	Trigger   int       `json:"trigger"`
	Timestamp time.Time `json:"dt"`
}

// Upload posts the batch. A nil error means the backend acknowledged it.
func (u *Uploader) Upload(ctx context.Context, events []*model.HistoryEvent, actions []*model.HistoryAction) error {
	batch := historyBatch{
		Events:  make([]uploadEvent, len(events)),
		Actions: make([]uploadAction, len(actions)),
	}
	for i, e := range events {
		batch.Events[i] = uploadEvent{PID: e.BeaconPID, Trigger: int(e.EventType), Timestamp: e.SeenAt}
	}
	for i, a := range actions {
		batch.Actions[i] = uploadAction{RuleUUID: a.RuleUUID, PID: a.BeaconPID, Trigger: int(a.EventType), Timestamp: a.FiredAt}
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding history batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("X-Api-Key", u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}
