package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	HMACKeySize = 32
	AESKeySize  = 16
)

var (
	ErrBadKeySize = errors.New("security: bad key size")
	ErrBadPadding = errors.New("security: bad padding")
)

// The CBC IV is fixed by the device/server contract; confidentiality here is
// obfuscation of telemetry in transit, authenticity comes from the MAC.
var fixedIV = [aes.BlockSize]byte{
	0x45, 0x63, 0x6F, 0x57, 0x61, 0x74, 0x74, 0x2D,
	0x49, 0x56, 0x30, 0x30, 0x30, 0x30, 0x30, 0x31,
}

// SecuredPayload is the wire envelope around every authenticated upload.
type SecuredPayload struct {
	Nonce     uint32 `json:"nonce"`
	Payload   string `json:"payload"`
	MAC       string `json:"mac"`
	Encrypted bool   `json:"encrypted"`
}

// Sealer wraps plaintext JSON bodies into SecuredPayloads.
type Sealer struct {
	hmacKey []byte
	aesKey  []byte
	encrypt bool
	nonce   *NonceCounter

	mu sync.Mutex
}

// NewSealer validates key sizes up front; a misconfigured key is a boot
// failure, not a per-emission error.
func NewSealer(hmacKey, aesKey []byte, encrypt bool, nonce *NonceCounter) (*Sealer, error) {
	if len(hmacKey) != HMACKeySize {
		return nil, fmt.Errorf("%w: hmac key %d bytes", ErrBadKeySize, len(hmacKey))
	}
	if encrypt && len(aesKey) != AESKeySize {
		return nil, fmt.Errorf("%w: aes key %d bytes", ErrBadKeySize, len(aesKey))
	}
	return &Sealer{hmacKey: hmacKey, aesKey: aesKey, encrypt: encrypt, nonce: nonce}, nil
}

// Seal consumes one nonce and wraps plaintext. The nonce increment, MAC
// computation, and envelope assembly form one critical section: once Next
// returns, the nonce is burned whether or not the payload is ever sent.
func (s *Sealer) Seal(plaintext []byte) (*SecuredPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, err := s.nonce.Next()
	if err != nil {
		return nil, fmt.Errorf("security: nonce advance: %w", err)
	}
	mac := computeMAC(s.hmacKey, nonce, plaintext)

	body := plaintext
	if s.encrypt {
		body, err = encryptCBC(s.aesKey, plaintext)
		if err != nil {
			return nil, err
		}
	}
	return &SecuredPayload{
		Nonce:     nonce,
		Payload:   base64.StdEncoding.EncodeToString(body),
		MAC:       hex.EncodeToString(mac),
		Encrypted: s.encrypt,
	}, nil
}

// SealJSON marshals the envelope for transmission.
func (s *Sealer) SealJSON(plaintext []byte) ([]byte, error) {
	sp, err := s.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sp)
}

// computeMAC binds the nonce to the plaintext body: HMAC-SHA-256 over
// nonce_be32 || plaintext. The MAC deliberately covers the pre-base64,
// pre-encryption bytes; the receiving side recomputes after decrypt.
func computeMAC(key []byte, nonce uint32, plaintext []byte) []byte {
	h := hmac.New(sha256.New, key)
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], nonce)
	h.Write(nb[:])
	h.Write(plaintext)
	return h.Sum(nil)
}

func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, fixedIV[:]).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, fixedIV[:]).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	pad := size - len(b)%size
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrBadPadding
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > size || pad > len(b) {
		return nil, ErrBadPadding
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-pad], nil
}
