package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, key, sealed []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	ns := gcm.NonceSize()
	require.Greater(t, len(sealed), ns)
	plain, err := gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
	require.NoError(t, err)
	return plain
}

func TestEnvelopeRoundTrip(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	envelope, err := NewEnvelope(base64.StdEncoding.EncodeToString(masterKey))
	require.NoError(t, err)

	dir := t.TempDir()
	src := filepath.Join(dir, "batch.csv.gz")
	dst := filepath.Join(dir, "batch.csv.gz.enc")
	plaintext := []byte("1,alpha\n2,beta\n")
	require.NoError(t, os.WriteFile(src, plaintext, 0600))

	material, err := envelope.EncryptFile(src, dst)
	require.NoError(t, err)

	var desc map[string]string
	require.NoError(t, json.Unmarshal([]byte(material.Description), &desc))
	assert.Equal(t, "AES_GCM_256", desc["scheme"])

	ciphertext, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "alpha")

	// Unwrap the data key under the master key, then open the file with it.
	wrapped, err := base64.StdEncoding.DecodeString(material.WrappedKey)
	require.NoError(t, err)
	dataKey := open(t, masterKey, wrapped)
	require.Equal(t, 32, len(dataKey))

	assert.Equal(t, plaintext, open(t, dataKey, ciphertext))
}

func TestEnvelopeFreshKeyPerFile(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	envelope, err := NewEnvelope(base64.StdEncoding.EncodeToString(masterKey))
	require.NoError(t, err)

	dir := t.TempDir()
	src := filepath.Join(dir, "batch")
	require.NoError(t, os.WriteFile(src, []byte("same content"), 0600))

	m1, err := envelope.EncryptFile(src, filepath.Join(dir, "a.enc"))
	require.NoError(t, err)
	m2, err := envelope.EncryptFile(src, filepath.Join(dir, "b.enc"))
	require.NoError(t, err)

	assert.NotEqual(t, m1.WrappedKey, m2.WrappedKey)
}

func TestNewEnvelopeRejectsBadKeys(t *testing.T) {
	_, err := NewEnvelope("not-base64!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewEnvelope(short)
	assert.Error(t, err)
}
