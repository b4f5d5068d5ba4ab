// Package notification implements the shared notification pipeline of
// spec.md §4.8: method dispatch (SMS/WHATSAPP/ANNOUNCEMENT/NONE), phone
// normalization, and a Sender abstraction that never returns a hard failure
// to its caller — only a Result the caller folds into a notification
// record's retry_count/status.
//
// Grounded on pkg/integration/twilio_handler.go (Twilio's wire dialect) and
// pkg/integration/callout.go's NoopCaller (the simulation-mode fallback
// when credentials are absent).
package notification

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Method is the notification channel of spec.md §3's queue entry
// notification_method field.
type Method string

const (
	MethodSMS          Method = "SMS"
	MethodWhatsApp     Method = "WHATSAPP"
	MethodAnnouncement Method = "ANNOUNCEMENT"
	MethodNone         Method = "NONE"
)

// Notification is the payload a Sender delivers.
type Notification struct {
	Method  Method
	Phone   string
	Message string
}

// Result describes the outcome of a single send attempt.
type Result struct {
	Success   bool
	Simulated bool
	Detail    string
}

// Sender delivers a single notification attempt. It never returns an error
// representing a normal delivery failure — that is communicated through
// Result.Success — errors are reserved for caller misuse (bad method) or
// context cancellation. Retry scheduling lives with the caller, not here.
type Sender interface {
	Send(ctx context.Context, n Notification) (Result, error)
}

// digitsOnly strips every non-digit rune.
var digitsOnly = regexp.MustCompile(`[^0-9]`)

// NormalizePhone reduces phone to digits-only and, if it does not already
// carry a country prefix (i.e. is shorter than a prefixed full number),
// prepends defaultCountryCode. The result is returned with a leading '+'.
// Idempotent: NormalizePhone(NormalizePhone(p, cc), cc) == NormalizePhone(p, cc).
func NormalizePhone(phone, defaultCountryCode string) string {
	digits := digitsOnly.ReplaceAllString(phone, "")
	digits = strings.TrimPrefix(digits, "00")

	cc := digitsOnly.ReplaceAllString(defaultCountryCode, "")
	if cc != "" && !strings.HasPrefix(digits, cc) {
		// A bare national number (10-11 digits for most markets) gets the
		// default prefix; anything longer is assumed already prefixed.
		if len(digits) <= 11 {
			digits = cc + digits
		}
	}
	return "+" + digits
}

// router dispatches to the Sender registered for a Notification's Method.
type router struct {
	sms          Sender
	whatsapp     Sender
	announcement Sender
}

// NewRouter builds a Sender that dispatches by Method, using announcement
// for both ANNOUNCEMENT and NONE (spec.md §4.8: both "always succeed
// locally").
func NewRouter(sms, whatsapp Sender) Sender {
	return &router{sms: sms, whatsapp: whatsapp, announcement: &Local{}}
}

func (r *router) Send(ctx context.Context, n Notification) (Result, error) {
	switch n.Method {
	case MethodSMS:
		return r.sms.Send(ctx, n)
	case MethodWhatsApp:
		return r.whatsapp.Send(ctx, n)
	case MethodAnnouncement, MethodNone:
		return r.announcement.Send(ctx, n)
	default:
		return Result{}, fmt.Errorf("notification: unknown method %q", n.Method)
	}
}

// Local handles ANNOUNCEMENT and NONE, which spec.md §4.8 says "always
// succeed locally" with no external I/O at all.
type Local struct{}

func (Local) Send(_ context.Context, n Notification) (Result, error) {
	return Result{Success: true, Detail: fmt.Sprintf("%s delivered locally", n.Method)}, nil
}
