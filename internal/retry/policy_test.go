package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Minute,
		MaxDelay:     5 * time.Minute,
		Multiplier:   3,
	}

	tests := []struct {
		strategy string
		want     []time.Duration
	}{
		{"fixed", []time.Duration{time.Minute, time.Minute, time.Minute}},
		{"linear", []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute}},
		{"exponential", []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute}},
		{"", []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute}},
		{" Linear ", []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			policy, err := NewPolicy(tt.strategy, cfg)
			require.NoError(t, err)
			for i, want := range tt.want {
				assert.Equal(t, want, policy.Delay(i+1), "retry %d", i+1)
			}
		})
	}
}

func TestNewPolicy_Unknown(t *testing.T) {
	_, err := NewPolicy("fibonacci", DefaultBackoffConfig())
	assert.Error(t, err)
}

func TestLinear_Caps(t *testing.T) {
	policy := Linear(time.Minute, 90*time.Second)
	assert.Equal(t, 90*time.Second, policy.Delay(2))
	assert.Equal(t, time.Minute, policy.Delay(0))
}

func TestPolicyFunc_NeverNegative(t *testing.T) {
	policy := PolicyFunc(func(int) time.Duration { return -time.Second })
	assert.Equal(t, time.Duration(0), policy.Delay(1))
}
