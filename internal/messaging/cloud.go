package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rochaturbo/RochaTurbo/internal/httpx"
)

// DefaultGraphURL is the Cloud API base including the version.
const DefaultGraphURL = "https://graph.facebook.com/v21.0"

// CloudConfig configures CloudSender.
type CloudConfig struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
}

// CloudSender sends through the WhatsApp Cloud API.
type CloudSender struct {
	caller   *httpx.Caller
	endpoint string
	token    string
}

// NewCloudSender creates a Cloud API sender. Credentials are required.
func NewCloudSender(cfg CloudConfig, caller *httpx.Caller) (*CloudSender, error) {
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, errors.New("whatsapp credentials are not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphURL
	}
	if caller == nil {
		caller = httpx.New(httpx.DefaultConfig("whatsapp-cloud"))
	}
	return &CloudSender{
		caller:   caller,
		endpoint: fmt.Sprintf("%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.PhoneNumberID),
		token:    cfg.Token,
	}, nil
}

func (s *CloudSender) Name() string { return "cloud" }

type cloudTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// SendText posts a text message. Retryable statuses are retried once before failing.
func (s *CloudSender) SendText(ctx context.Context, to, body string) error {
	canonical, err := CanonicalRecipient(to)
	if err != nil {
		return err
	}
	msg := cloudTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               canonical,
		Type:             "text",
	}
	msg.Text.Body = body

	err = s.caller.PostJSON(ctx, s.endpoint, map[string]string{"Authorization": "Bearer " + s.token}, msg, nil)
	observe(s.Name(), err)
	if err != nil {
		slog.Error("CloudSender SendText failed", "error", err, "to", canonical)
		return fmt.Errorf("whatsapp send failed: %w", err)
	}
	slog.Debug("CloudSender SendText succeeded", "to", canonical)
	return nil
}
