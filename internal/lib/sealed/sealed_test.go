package sealed

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

const testAAD = "paykit:v0:subscription_proposal:/pub/paykit.app/v0/subscriptions/proposals/abc/sub_1:sub_1"

func TestSealOpen(t *testing.T) {
	recipient, err := GenerateKeypair()
	require.NoError(t, err)

	plaintext := []byte(`{"subscription_id":"sub_1"}`)
	blob, err := Seal(recipient.Public, plaintext, testAAD, "subscription_proposal")
	require.NoError(t, err)
	assert.True(t, IsSealed(blob))
	assert.NotContains(t, string(blob), "sub_1")

	got, err := Open(recipient, blob, testAAD)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenFailures(t *testing.T) {
	recipient, err := GenerateKeypair()
	require.NoError(t, err)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	blob, err := Seal(recipient.Public, []byte("secret"), testAAD, "")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(blob, &env))
	ct, err := b64.DecodeString(env.CT)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.CT = b64.EncodeToString(ct)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	tests := []struct {
		name string
		kp   *Keypair
		blob []byte
		aad  string
	}{
		{name: "wrong key", kp: other, blob: blob, aad: testAAD},
		{name: "wrong aad", kp: recipient, blob: blob, aad: testAAD + "x"},
		{name: "tampered ciphertext", kp: recipient, blob: tampered, aad: testAAD},
		{name: "unsupported version", kp: recipient, blob: []byte(`{"v":2,"epk":"a","nonce":"b","ct":"c"}`), aad: testAAD},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.kp, tt.blob, tt.aad)
			assert.ErrorIs(t, err, errs.ErrCrypto)
		})
	}
}

func TestIsSealed(t *testing.T) {
	assert.False(t, IsSealed([]byte(`{"subscription_id":"sub_1"}`)))
	assert.False(t, IsSealed([]byte("not json")))
	assert.False(t, IsSealed([]byte(`{"v":1}`)))
}

func TestKeypairFromSecret(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	again, err := KeypairFromSecret(kp.Secret)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public)
}

func TestDeriveKeypair(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)

	a, err := DeriveKeypair(secret)
	require.NoError(t, err)
	b, err := DeriveKeypair(secret)
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)
	assert.NotEqual(t, [KeySize]byte{}, a.Public)

	other, err := DeriveKeypair(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, other.Public)

	_, err = DeriveKeypair([]byte("short"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
