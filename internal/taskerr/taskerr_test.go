package taskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"input", Input("ingress", "bad sha"), KindInput},
		{"transient", Transient("store", errors.New("locked")), KindTransient},
		{"safety", Safety("patch", "path escape"), KindSafety},
		{"exhaustion", Exhaustion("dispatch", 3), KindExhaustion},
		{"internal", Internal("handler", errors.New("nil plan")), KindInternal},
		{"unclassified", errors.New("plain"), KindInternal},
		{"wrapped", fmt.Errorf("outer: %w", Safety("patch", "dangerous op")), KindSafety},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("git", errors.New("timeout"))))
	assert.True(t, Retryable(Collaborator("llm", "rate limited", true, nil)))
	assert.False(t, Retryable(Collaborator("forge", "401 unauthorized", false, nil)))
	assert.False(t, Retryable(Input("ingress", "bad branch")))
	assert.False(t, Retryable(Safety("patch", "path outside allowed roots")))
	assert.False(t, Retryable(Exhaustion("dispatch", 3)))
	// Internal errors get one retry; the policy caps them via the attempt counter.
	assert.True(t, Retryable(Internal("handler", errors.New("bug"))))
	assert.True(t, Retryable(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("store", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store")
	assert.Contains(t, err.Error(), "connection reset")
}
