package shipledger

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Fixed secret shared by producer and consumer builds.
//
// SECURITY: this pair is compiled into every binary. Sealing only hides the
// ledger from casual inspection; anyone holding a binary can open it.
const (
	defaultKeyHex = "ab9f5f69737f3f02f1e2a6d17305eae239f2bba9d6a8ed5e322ad87d3654c9d8"
	defaultIVHex  = "1af38c2dc2b96ffdd86694092341bc04"
)

// EncryptedSuffix is appended to the plaintext export path for the sealed copy.
const EncryptedSuffix = ".enc"

// Envelope seals serialized ledgers with AES-256-CBC and PKCS#7 padding and
// stores the ciphertext as Base64 text. There is no header: key and IV are
// agreed out of band.
type Envelope struct {
	Key [32]byte
	IV  [aes.BlockSize]byte
}

// DefaultEnvelope returns the envelope using the compiled-in key and IV.
func DefaultEnvelope() Envelope {
	var e Envelope
	mustDecodeHex(e.Key[:], defaultKeyHex)
	mustDecodeHex(e.IV[:], defaultIVHex)
	return e
}

func mustDecodeHex(dst []byte, s string) {
	n, err := hex.Decode(dst, []byte(s))
	if err != nil || n != len(dst) {
		panic(fmt.Sprintf("shipledger: bad compiled-in secret %q", s))
	}
}

// Seal encrypts plain and returns Base64 text.
func (e Envelope) Seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, e.IV[:]).CryptBlocks(ct, padded)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(ct)))
	base64.StdEncoding.Encode(out, ct)
	return out, nil
}

// Open reverses Seal. Input that does not look like a sealed ledger yields
// ErrNotCiphertext; callers treat that as "try something else", not as fatal.
func (e Envelope) Open(text []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return nil, ErrNotCiphertext
	}
	ct := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(ct, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrNotCiphertext, err)
	}
	ct = ct[:n]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrNotCiphertext, len(ct), aes.BlockSize)
	}

	block, err := aes.NewCipher(e.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, e.IV[:]).CryptBlocks(plain, ct)

	plain, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", ErrNotCiphertext)
	}
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrNotCiphertext)
	}
	return plain, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
