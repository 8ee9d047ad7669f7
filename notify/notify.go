// Package notify delivers agreement notifications to signers over SMS and
// email. Delivery is best-effort: one signer's failure never blocks another
// signer or another channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Recipient is a notification target. Channels without contact details are
// skipped for that recipient.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// DeliveryResult records one delivery attempt. Err is nil on success.
type DeliveryResult struct {
	Recipient string
	Channel   Channel
	Err       error
}

// SMSSender sends a text message to an E.164 phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender sends a plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Fanout attempts every configured channel for every recipient. A nil sender
// disables its channel.
type Fanout struct {
	sms    SMSSender
	email  EmailSender
	logger *slog.Logger
}

func NewFanout(sms SMSSender, email EmailSender, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sms: sms, email: email, logger: logger}
}

// Send delivers the message to every recipient on every channel they are
// reachable on. Failures are logged and recorded in the returned results, not
// returned as an error: a breach alert that reaches four of five signers is
// still worth having sent.
func (f *Fanout) Send(ctx context.Context, recipients []Recipient, subject, body string) []DeliveryResult {
	var results []DeliveryResult
	for _, r := range recipients {
		if f.sms != nil && r.Phone != "" {
			err := f.sms.SendSMS(ctx, r.Phone, body)
			if err != nil {
				f.logger.Warn("sms delivery failed", "recipient", r.Email, "error", err)
			}
			results = append(results, DeliveryResult{Recipient: r.Email, Channel: ChannelSMS, Err: err})
		}
		if f.email != nil && r.Email != "" {
			err := f.email.SendEmail(ctx, r.Email, subject, body)
			if err != nil {
				f.logger.Warn("email delivery failed", "recipient", r.Email, "error", err)
			}
			results = append(results, DeliveryResult{Recipient: r.Email, Channel: ChannelEmail, Err: err})
		}
	}
	return results
}

// BreachMessage renders the alert sent when a monitored field crosses its
// threshold.
func BreachMessage(agreementID, field string, value, limit float64, operator string) (subject, body string) {
	subject = fmt.Sprintf("Threshold alert for agreement %s", agreementID)
	body = fmt.Sprintf("Agreement %s: %s is %v, which breached the configured threshold (%s %v).",
		agreementID, field, value, operator, limit)
	return subject, body
}

// SignedMessage renders the confirmation sent when every signer has completed.
func SignedMessage(agreementID string) (subject, body string) {
	subject = fmt.Sprintf("Agreement %s fully signed", agreementID)
	body = fmt.Sprintf("Agreement %s has been signed by all parties and is now in effect.", agreementID)
	return subject, body
}
