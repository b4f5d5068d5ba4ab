package notification

import (
	"context"
	"log/slog"
)

// Simulated logs a notification and always reports success, used whenever
// provider credentials are absent. Directly grounded on
// pkg/integration/callout.go's NoopCaller.
type Simulated struct {
	logger *slog.Logger
}

// NewSimulated builds a Simulated sender.
func NewSimulated(logger *slog.Logger) *Simulated {
	return &Simulated{logger: logger}
}

func (s *Simulated) Send(_ context.Context, n Notification) (Result, error) {
	if s.logger != nil {
		s.logger.Info("simulated notification send",
			"method", n.Method,
			"phone", n.Phone,
			"message", n.Message,
		)
	}
	return Result{Success: true, Simulated: true, Detail: "simulated: credentials absent"}, nil
}

// SenderConfig carries the provider credentials NewSender inspects to decide
// between a live sender and Simulated, per spec.md §6: "Absent credentials
// put the notification pipeline in a simulation mode."
type SenderConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	WhatsAppAPIURL   string
	WhatsAppAPIToken string
}

// NewSender builds the dispatching Sender described in spec.md §4.8,
// falling back to Simulated per channel when that channel's credentials are
// incomplete.
func NewSender(cfg SenderConfig, logger *slog.Logger) Sender {
	var sms Sender
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && cfg.TwilioFromNumber != "" {
		sms = NewTwilioSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
	} else {
		sms = NewSimulated(logger)
	}

	var whatsapp Sender
	if cfg.WhatsAppAPIURL != "" && cfg.WhatsAppAPIToken != "" {
		whatsapp = NewWhatsAppCloud(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIToken, logger)
	} else {
		whatsapp = NewSimulated(logger)
	}

	return NewRouter(sms, whatsapp)
}
