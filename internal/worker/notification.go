package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"content-platform/internal/models"
)

// NotificationHandler delivers notification.send jobs to the configured
// webhook. The job id travels as the Idempotency-Key header so a redelivered
// job is recognized downstream.
type NotificationHandler struct {
	webhookURL string
	client     *http.Client
}

type notificationPayload struct {
	RecipientUserID int64  `json:"recipient_user_id"`
	Channel         string `json:"channel"`
	Title           string `json:"title"`
	Body            string `json:"body"`
}

// NewNotificationHandler builds the handler. The webhook is operator
// configured, so a plain client with a timeout is enough.
func NewNotificationHandler(webhookURL string, client *http.Client) *NotificationHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NotificationHandler{webhookURL: webhookURL, client: client}
}

func (h *NotificationHandler) Handle(ctx context.Context, job models.Job) error {
	if h.webhookURL == "" {
		return Permanent(errors.New("NOTIFY_WEBHOOK_URL is not configured"))
	}
	var p notificationPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.Channel == "" {
		p.Channel = "email"
	}

	body, err := json.Marshal(struct {
		JobID string `json:"job_id"`
		notificationPayload
	}{JobID: job.ID, notificationPayload: p})
	if err != nil {
		return Permanent(fmt.Errorf("encode notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return classify(fmt.Errorf("deliver notification: webhook status %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}

// decodePayload maps a job's JSON payload onto dst. A payload that does not
// fit the struct will never succeed, so the error is permanent.
func decodePayload(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}
