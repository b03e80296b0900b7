package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"
)

// Material describes the wrapped per-file key stored alongside a staged
// object. The warehouse-side decrypt-on-read integration unwraps it; the
// pipeline never does.
type Material struct {
	// WrappedKey is base64(nonce || AES-GCM(masterKey, dataKey)).
	WrappedKey string
	// Description identifies the wrapping scheme for the reader.
	Description string
}

// Envelope performs per-file envelope encryption under one master key.
type Envelope struct {
	masterKey []byte
	gcm       cipher.AEAD
}

// NewEnvelope parses a base64 256-bit master key.
func NewEnvelope(masterKeyB64 string) (*Envelope, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "master key is not valid base64")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init master key cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init master key GCM")
	}

	return &Envelope{masterKey: key, gcm: gcm}, nil
}

// EncryptFile encrypts src into dst with a fresh random data key and
// returns the wrapped key material.
func (x *Envelope) EncryptFile(src, dst string) (*Material, error) {
	plaintext, err := ioutil.ReadFile(src)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file for encryption: %s", src)
	}

	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, errors.Wrap(err, "failed to generate a data key")
	}

	ciphertext, err := seal(dataKey, plaintext)
	if err != nil {
		return nil, err
	}
	if err := ioutil.WriteFile(dst, ciphertext, 0600); err != nil {
		return nil, errors.Wrapf(err, "failed to write encrypted file: %s", dst)
	}

	wrapped, err := x.wrap(dataKey)
	if err != nil {
		return nil, err
	}

	desc, _ := json.Marshal(map[string]string{
		"scheme": "AES_GCM_256",
		"wrap":   "AES_GCM_256",
	})

	return &Material{
		WrappedKey:  wrapped,
		Description: string(desc),
	}, nil
}

func (x *Envelope) wrap(dataKey []byte) (string, error) {
	nonce := make([]byte, x.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate a wrapping nonce")
	}

	wrapped := x.gcm.Seal(nonce, nonce, dataKey, nil)
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init data key cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init data key GCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate a file nonce")
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
