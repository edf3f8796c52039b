package secrets

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/conversion_hook/internal/capi"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)
	return box
}

func TestRoundTrip(t *testing.T) {
	box := newTestBox(t)
	want := capi.Credential{AccessToken: "EAAB-token", TestEventCode: "TEST123"}

	blob, err := box.Encrypt(want)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "EAAB-token")

	got, err := box.Decrypt(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	box := newTestBox(t)
	a, err := box.Encrypt(capi.Credential{AccessToken: "t"})
	require.NoError(t, err)
	b, err := box.Encrypt(capi.Credential{AccessToken: "t"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailures(t *testing.T) {
	box := newTestBox(t)
	other := newTestBox(t)

	blob, err := box.Encrypt(capi.Credential{AccessToken: "t"})
	require.NoError(t, err)
	noToken, err := box.Encrypt(capi.Credential{})
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		box  *Box
		blob []byte
	}{
		{"wrong key", other, blob},
		{"tampered", box, tampered},
		{"too short", box, []byte("short")},
		{"empty", box, nil},
		{"missing access token", box, noToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.box.Decrypt(context.Background(), tt.blob)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestNewBox(t *testing.T) {
	raw := strings.Repeat("k", 32)

	_, err := NewBox(base64.StdEncoding.EncodeToString([]byte(raw)))
	assert.NoError(t, err)

	_, err = NewBox(base64.RawURLEncoding.EncodeToString([]byte(raw)))
	assert.NoError(t, err)

	_, err = NewBox(base64.StdEncoding.EncodeToString([]byte("too-short")))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewBox("not base64 !!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewBox("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
