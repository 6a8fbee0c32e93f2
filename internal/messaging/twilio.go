package messaging

import (
	"context"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/twiliowhatsapp"
)

// TwilioSender sends through Twilio's WhatsApp API.
type TwilioSender struct {
	client twiliowhatsapp.Sender
}

// NewTwilioSender wraps a Twilio client, real or mock.
func NewTwilioSender(client twiliowhatsapp.Sender) *TwilioSender {
	return &TwilioSender{client: client}
}

func (s *TwilioSender) Name() string { return "twilio" }

func (s *TwilioSender) SendText(ctx context.Context, to, body string) error {
	canonical, err := CanonicalRecipient(to)
	if err != nil {
		slog.Error("TwilioSender SendText validation error", "error", err, "to", to)
		return err
	}
	err = s.client.SendMessage(ctx, "+"+canonical, body)
	observe(s.Name(), err)
	return err
}
