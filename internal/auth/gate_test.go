package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/testutil"
)

const testCPF = "52998224725"

type gateFixture struct {
	st    store.AuthRepo
	gate  *Gate
	now   time.Time
	codes []string
	seq   int
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	fx := &gateFixture{
		st:  testutil.NewSQLiteStore(t),
		now: time.Now(),
	}
	fx.gate = NewGate(fx.st, "test-secret",
		WithClock(func() time.Time { return fx.now }),
		WithCodeGenerator(func() (string, error) {
			code := []string{"111111", "222222", "333333", "444444"}[len(fx.codes)]
			fx.codes = append(fx.codes, code)
			return code, nil
		}),
	)
	return fx
}

func (fx *gateFixture) check(t *testing.T, userID, text string) Decision {
	t.Helper()
	fx.seq++
	return fx.checkID(t, userID, text, fmt.Sprintf("wamid.gate.%d", fx.seq))
}

func (fx *gateFixture) checkID(t *testing.T, userID, text, messageID string) Decision {
	t.Helper()
	d, err := fx.gate.Check(context.Background(), userID, text, messageID)
	require.NoError(t, err)
	return d
}

func (fx *gateFixture) state(t *testing.T, userID string) models.AuthState {
	t.Helper()
	sess, err := fx.st.GetAuthSession(context.Background(), userID)
	require.NoError(t, err)
	if sess == nil {
		return ""
	}
	return sess.State
}

func TestGate_CPFThenCodeAuthenticates(t *testing.T) {
	fx := newGateFixture(t)

	d := fx.check(t, "u_1", "Oi, bom dia")
	assert.False(t, d.Authenticated)
	assert.Equal(t, []string{msgAskCPF}, d.Replies)
	assert.Equal(t, models.AuthState(""), fx.state(t, "u_1"))

	d = fx.check(t, "u_1", "12345678900")
	assert.Equal(t, []string{msgInvalidCPF}, d.Replies)

	d = fx.check(t, "u_1", "529.982.247-25")
	require.Len(t, d.Replies, 1)
	assert.Contains(t, d.Replies[0], "Codigo de acesso: 111111")
	assert.Contains(t, d.Replies[0], "expira em 5 minutos")
	assert.Equal(t, models.AuthAwaitingOTP, fx.state(t, "u_1"))

	d = fx.check(t, "u_1", "999999")
	assert.Equal(t, []string{msgInvalidCode}, d.Replies)

	d = fx.check(t, "u_1", "111 111")
	assert.False(t, d.Authenticated)
	assert.Equal(t, []string{msgAuthenticated}, d.Replies)
	assert.Equal(t, models.AuthAuthenticated, fx.state(t, "u_1"))

	d = fx.check(t, "u_1", "menu")
	assert.True(t, d.Authenticated)
	assert.Empty(t, d.Replies)
}

func TestGate_ExpiredCodeIsReissued(t *testing.T) {
	fx := newGateFixture(t)
	fx.check(t, "u_1", testCPF)

	fx.now = fx.now.Add(DefaultCodeTTL + time.Second)
	d := fx.check(t, "u_1", "111111")
	require.Len(t, d.Replies, 2)
	assert.Equal(t, msgCodeReissued, d.Replies[0])
	assert.Contains(t, d.Replies[1], "Codigo de acesso: 222222")
	assert.Equal(t, models.AuthAwaitingOTP, fx.state(t, "u_1"))

	d = fx.check(t, "u_1", "222222")
	assert.Equal(t, []string{msgAuthenticated}, d.Replies)
}

func TestGate_AttemptsAreBounded(t *testing.T) {
	fx := newGateFixture(t)
	fx.gate.maxAttempts = 2
	fx.check(t, "u_1", testCPF)

	fx.check(t, "u_1", "000000")
	fx.check(t, "u_1", "000001")
	// the right code no longer opens an exhausted challenge
	d := fx.check(t, "u_1", "111111")
	require.Len(t, d.Replies, 2)
	assert.Equal(t, msgCodeReissued, d.Replies[0])
	assert.Equal(t, models.AuthAwaitingOTP, fx.state(t, "u_1"))
}

func TestGate_CPFBoundToAnotherContact(t *testing.T) {
	fx := newGateFixture(t)
	fx.check(t, "u_1", testCPF)

	d := fx.check(t, "u_2", testCPF)
	assert.Equal(t, []string{msgCPFInUse}, d.Replies)
	assert.Equal(t, models.AuthState(""), fx.state(t, "u_2"))
}

func TestGate_RedeliveredMessageRepeatsStep(t *testing.T) {
	fx := newGateFixture(t)

	first := fx.checkID(t, "u_1", testCPF, "wamid.cpf")
	require.Len(t, first.Replies, 1)
	assert.Contains(t, first.Replies[0], "111111")

	// the CPF is not read again as a code; a fresh code is sent instead
	again := fx.checkID(t, "u_1", testCPF, "wamid.cpf")
	require.Len(t, again.Replies, 1)
	assert.Contains(t, again.Replies[0], "222222")

	d := fx.checkID(t, "u_1", "222222", "wamid.code")
	assert.Equal(t, []string{msgAuthenticated}, d.Replies)

	d = fx.checkID(t, "u_1", "222222", "wamid.code")
	assert.False(t, d.Authenticated)
	assert.Equal(t, []string{msgAuthenticated}, d.Replies)
}
