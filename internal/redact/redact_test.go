package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactConfiguredSecret(t *testing.T) {
	r := New("hunter2secret")
	out := r.Redact("connecting with hunter2secret now")
	assert.Equal(t, "connecting with hunt**** now", out)
	assert.NotContains(t, out, "hunter2secret")
}

func TestRedactPattern(t *testing.T) {
	r := New()
	cases := []struct {
		name string
		in   string
	}{
		{"token", `token: ghp_abcdef123456`},
		{"password", `password = 'supersecretpw'`},
		{"apiKey", `api_key="AKIA1234567890"`},
		{"auth", `Authorization: Bearer123456789`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := r.Redact(tc.in)
			assert.Contains(t, out, "****")
			assert.NotEqual(t, tc.in, out)
		})
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	r := New("s3cr3tvalue")
	in := "compile failed at src/main/java/App.java:42"
	assert.Equal(t, in, r.Redact(in))
}

func TestShortSecretFullyMasked(t *testing.T) {
	r := New("abc")
	assert.Equal(t, "x **** y", r.Redact("x abc y"))
}
