package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/util"
)

const (
	// DefaultCodeTTL is how long an access code is accepted.
	DefaultCodeTTL = 5 * time.Minute
	// DefaultMaxAttempts bounds wrong codes per challenge.
	DefaultMaxAttempts = 5
)

const (
	msgAskCPF = "Oi! Eu sou a Rocha Turbo.\n" +
		"Para comecar com seguranca, me envie seu CPF (somente numeros, 11 digitos)."
	msgInvalidCPF = "Nao consegui validar esse CPF.\n" +
		"Por favor, envie novamente somente com numeros (11 digitos). Exemplo: 12345678909."
	msgCPFInUse = "Este CPF ja esta vinculado a outro telefone.\n" +
		"Envie o CPF deste cadastro ou fale com o suporte para atualizar seus dados."
	msgCode = "Perfeito! Vamos continuar seu acesso.\n" +
		"Codigo de acesso: %s\n" +
		"Esse codigo expira em %d minutos. Responda com os %d digitos para validar."
	msgInvalidCode = "Codigo invalido ou expirado.\n" +
		"Por favor, me envie o codigo mais recente que voce recebeu."
	msgCodeReissued = "Seu codigo anterior expirou ou ja foi usado. Enviei um novo abaixo."
	msgAuthenticated = "Acesso liberado com sucesso.\n" +
		"Digite 'menu' para ver as opcoes."
)

var greetingPattern = regexp.MustCompile(`\b(oi|ola|bom dia|boa tarde|boa noite|e ai|blz|inicio|comecar)\b`)

// Decision is the outcome of a gate check. Replies are sent to the contact when the message
// did not pass.
type Decision struct {
	Authenticated bool
	Replies       []string
}

// Option configures a Gate.
type Option func(*Gate)

// WithCodeTTL sets how long an access code stays valid.
func WithCodeTTL(d time.Duration) Option {
	return func(g *Gate) { g.ttl = d }
}

// WithMaxAttempts sets how many wrong codes a challenge accepts.
func WithMaxAttempts(n int) Option {
	return func(g *Gate) { g.maxAttempts = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithCodeGenerator replaces GenerateCode.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(g *Gate) { g.generate = gen }
}

// Gate runs the CPF and access code session of each contact.
type Gate struct {
	repo        store.AuthRepo
	secret      string
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
}

// NewGate creates a gate hashing CPFs and codes with secret.
func NewGate(repo store.AuthRepo, secret string, opts ...Option) *Gate {
	g := &Gate{
		repo:        repo,
		secret:      secret,
		ttl:         DefaultCodeTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		generate:    GenerateCode,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check advances the session of userID with text. An authenticated contact passes; any other
// message is consumed by the session and answered with Replies.
//
// A message that already moved the session (same messageID) repeats the reply of the step it
// led to, issuing a new code when that step is the code prompt.
func (g *Gate) Check(ctx context.Context, userID, text, messageID string) (Decision, error) {
	sess, err := g.repo.GetAuthSession(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if sess == nil {
		sess = &models.AuthSession{UserID: userID, State: models.AuthAwaitingCPF}
	}
	redelivered := messageID != "" && sess.LastMessageID == messageID

	switch sess.State {
	case models.AuthAuthenticated:
		if redelivered {
			return reply(msgAuthenticated), nil
		}
		return Decision{Authenticated: true}, nil
	case models.AuthAwaitingOTP:
		if redelivered {
			return g.issueCode(ctx, userID)
		}
		return g.verifyCode(ctx, sess, text, messageID)
	default:
		return g.bindCPF(ctx, sess, text, messageID)
	}
}

func (g *Gate) bindCPF(ctx context.Context, sess *models.AuthSession, text, messageID string) (Decision, error) {
	cpf := NormalizeCPF(text)
	if cpf == "" && greetingPattern.MatchString(util.Normalize(text)) {
		return reply(msgAskCPF), nil
	}
	if !ValidCPF(cpf) {
		return reply(msgInvalidCPF), nil
	}

	sess.State = models.AuthAwaitingOTP
	sess.CPFHash = HashCPF(cpf, g.secret)
	sess.LastMessageID = messageID
	if err := g.repo.SaveAuthSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrCPFInUse) {
			slog.Warn("Gate bindCPF rejected CPF bound to another contact", "user_id", sess.UserID)
			return reply(msgCPFInUse), nil
		}
		return Decision{}, err
	}
	slog.Info("Gate bindCPF accepted CPF", "user_id", sess.UserID)
	return g.issueCode(ctx, sess.UserID)
}

func (g *Gate) issueCode(ctx context.Context, userID string) (Decision, error) {
	code, err := g.generate()
	if err != nil {
		return Decision{}, err
	}
	c := &models.OTPChallenge{
		UserID:      userID,
		CodeHash:    HashCode(code, g.secret),
		ExpiresAt:   g.now().Add(g.ttl),
		MaxAttempts: g.maxAttempts,
	}
	if err := g.repo.CreateOTPChallenge(ctx, c); err != nil {
		return Decision{}, err
	}
	slog.Info("Gate issueCode created challenge", "user_id", userID, "challenge_id", c.ID)
	return reply(fmt.Sprintf(msgCode, code, int(g.ttl/time.Minute), CodeLength)), nil
}

func (g *Gate) verifyCode(ctx context.Context, sess *models.AuthSession, text, messageID string) (Decision, error) {
	c, err := g.repo.LatestOTPChallenge(ctx, sess.UserID)
	if err != nil {
		return Decision{}, err
	}
	if c == nil || !c.Usable(g.now()) {
		d, err := g.issueCode(ctx, sess.UserID)
		if err != nil {
			return Decision{}, err
		}
		d.Replies = append([]string{msgCodeReissued}, d.Replies...)
		return d, nil
	}
	if !VerifyCode(digitsOnly(text), c.CodeHash, g.secret) {
		if err := g.repo.IncrementOTPAttempts(ctx, c.ID); err != nil {
			return Decision{}, err
		}
		slog.Info("Gate verifyCode rejected code", "user_id", sess.UserID, "attempt", c.Attempts+1)
		return reply(msgInvalidCode), nil
	}
	if err := g.repo.ConsumeOTPChallenge(ctx, c.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reply(msgInvalidCode), nil
		}
		return Decision{}, err
	}

	sess.State = models.AuthAuthenticated
	sess.LastMessageID = messageID
	if err := g.repo.SaveAuthSession(ctx, sess); err != nil {
		return Decision{}, err
	}
	slog.Info("Gate verifyCode authenticated contact", "user_id", sess.UserID)
	return reply(msgAuthenticated), nil
}

func reply(msgs ...string) Decision {
	return Decision{Replies: msgs}
}
