package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01/Accounts"

// TwilioSMS sends SMS notifications through Twilio's Messages REST API.
// Grounded on pkg/integration/twilio_handler.go, which speaks Twilio's
// webhook/TwiML dialect for inbound callbacks; this is the outbound analogue.
type TwilioSMS struct {
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTwilioSMS builds a TwilioSMS sender. A single HTTP-level send is
// retried up to 3 times with exponential backoff for transient network
// errors; this is independent of the caller-driven notification-record
// retry_count in spec.md §4.8, which governs re-sends across separate
// notification attempts.
func NewTwilioSMS(accountSID, authToken, from string, logger *slog.Logger) *TwilioSMS {
	return &TwilioSMS{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (t *TwilioSMS) Send(ctx context.Context, n Notification) (Result, error) {
	endpoint := fmt.Sprintf("%s/%s/Messages.json", twilioBaseURL, t.accountSID)

	form := url.Values{}
	form.Set("To", n.Phone)
	form.Set("From", t.from)
	form.Set("Body", n.Message)

	op := func() (Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
		if err != nil {
			return Result{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(t.accountSID, t.authToken)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return Result{}, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return Result{}, fmt.Errorf("twilio: server error %d: %s", resp.StatusCode, body)
		}
		if resp.StatusCode >= 400 {
			return Result{Success: false, Detail: fmt.Sprintf("twilio rejected: %d %s", resp.StatusCode, body)},
				backoff.Permanent(fmt.Errorf("twilio: client error %d", resp.StatusCode))
		}
		return Result{Success: true, Detail: "sent via twilio"}, nil
	}

	result, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("twilio sms send failed", "phone", n.Phone, "error", err)
		}
		return Result{Success: false, Detail: err.Error()}, nil
	}
	return result, nil
}
