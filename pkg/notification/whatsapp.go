package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WhatsAppCloud sends notifications through the Meta WhatsApp Cloud API.
type WhatsAppCloud struct {
	apiURL     string
	apiToken   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWhatsAppCloud builds a WhatsAppCloud sender.
func NewWhatsAppCloud(apiURL, apiToken string, logger *slog.Logger) *WhatsAppCloud {
	return &WhatsAppCloud{
		apiURL:     apiURL,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type whatsAppTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (w *WhatsAppCloud) Send(ctx context.Context, n Notification) (Result, error) {
	payload := whatsAppTextMessage{MessagingProduct: "whatsapp", To: n.Phone, Type: "text"}
	payload.Text.Body = n.Message

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Detail: err.Error()}, nil
	}

	op := func() (Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL, bytes.NewReader(body))
		if err != nil {
			return Result{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.apiToken)

		resp, err := w.httpClient.Do(req)
		if err != nil {
			return Result{}, err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return Result{}, fmt.Errorf("whatsapp: server error %d: %s", resp.StatusCode, respBody)
		}
		if resp.StatusCode >= 400 {
			return Result{}, backoff.Permanent(fmt.Errorf("whatsapp: client error %d: %s", resp.StatusCode, respBody))
		}
		return Result{Success: true, Detail: "sent via whatsapp cloud api"}, nil
	}

	result, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("whatsapp send failed", "phone", n.Phone, "error", err)
		}
		return Result{Success: false, Detail: err.Error()}, nil
	}
	return result, nil
}
