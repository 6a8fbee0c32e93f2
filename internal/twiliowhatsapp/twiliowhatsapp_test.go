package twiliowhatsapp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "+5511999990001", "Ola")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Ola" {
		t.Errorf("expected body %q, got %q", "Ola", sent[0].Body)
	}

	mock.Err = errors.New("down")
	if err := mock.SendMessage(ctx, "+5511999990001", "x"); err == nil {
		t.Error("expected error from failing mock")
	}
}

func TestWhatsAppAddress(t *testing.T) {
	tests := map[string]string{
		"+5511999990001":          "whatsapp:+5511999990001",
		"5511999990001":           "whatsapp:+5511999990001",
		" whatsapp:+14155238886 ": "whatsapp:+14155238886",
	}
	for in, want := range tests {
		if got := WhatsAppAddress(in); got != want {
			t.Errorf("WhatsAppAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(WithAccountSID("AC1")); err == nil {
		t.Error("expected error without auth token")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sender number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("unexpected from %q", c.fromWhats)
	}
}

func TestSplitBody(t *testing.T) {
	if got := SplitBody("curta", MaxBodyLength); len(got) != 1 || got[0] != "curta" {
		t.Fatalf("short body split: %q", got)
	}

	line := strings.Repeat("á", 9) + "\n"
	body := strings.Repeat(line, 5)
	parts := SplitBody(body, 25)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d: %q", len(parts), parts)
	}
	for i, p := range parts {
		if n := utf8.RuneCountInString(p); n > 25 {
			t.Errorf("part %d has %d runes", i, n)
		}
	}
	if parts[0] != strings.TrimRight(strings.Repeat(line, 2), "\n") {
		t.Errorf("first part should break after a newline, got %q", parts[0])
	}

	unbroken := strings.Repeat("x", 30)
	parts = SplitBody(unbroken, 12)
	if len(parts) != 3 || parts[0] != strings.Repeat("x", 12) || parts[2] != strings.Repeat("x", 6) {
		t.Errorf("hard split mismatch: %q", parts)
	}
}
