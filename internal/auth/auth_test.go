package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCPF(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"12345678909", true},
		{"529.982.247-25", true},
		{" 111.444.777-35 ", true},
		{"12345678900", false},
		{"11111111111", false},
		{"1234567890", false},
		{"123456789012", false},
		{"abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidCPF(tt.in), tt.in)
	}
}

func TestHashCPFIgnoresFormatting(t *testing.T) {
	assert.Equal(t, HashCPF("529.982.247-25", "s"), HashCPF("52998224725", "s"))
	assert.NotEqual(t, HashCPF("52998224725", "s"), HashCPF("52998224725", "other"))
	assert.NotContains(t, HashCPF("52998224725", "s"), "52998224725")
}

func TestCodes(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		assert.Equal(t, code, digitsOnly(code))
	}

	h := HashCode("042917", "s")
	assert.True(t, VerifyCode("042917", h, "s"))
	assert.False(t, VerifyCode("042918", h, "s"))
	assert.False(t, VerifyCode("042917", h, "other"))
	assert.NotEqual(t, HashCPF("042917", "s"), h)
}
