package security

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
)

// Verification failures. None of them advance the replay window.
var (
	ErrMissingField = errors.New("security: envelope missing field")
	ErrReplay       = errors.New("security: nonce not greater than last seen")
	ErrBadMAC       = errors.New("security: mac mismatch")
)

// Verifier is the server-side counterpart of Sealer. It enforces the
// strictly-increasing nonce window and the plaintext MAC binding. Tests use
// it to prove the device contract end to end.
type Verifier struct {
	hmacKey []byte
	aesKey  []byte

	mu       sync.Mutex
	lastSeen uint32
}

func NewVerifier(hmacKey, aesKey []byte) *Verifier {
	return &Verifier{hmacKey: hmacKey, aesKey: aesKey}
}

// LastSeen reports the replay-window position.
func (v *Verifier) LastSeen() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeen
}

// SetLastSeen primes the window (e.g. from the ingest database).
func (v *Verifier) SetLastSeen(n uint32) {
	v.mu.Lock()
	v.lastSeen = n
	v.mu.Unlock()
}

// Verify authenticates one envelope and returns the plaintext body.
// The window only advances after the MAC check passes.
func (v *Verifier) Verify(sp *SecuredPayload) ([]byte, error) {
	if sp == nil || sp.Payload == "" || sp.MAC == "" {
		return nil, ErrMissingField
	}
	v.mu.Lock()
	last := v.lastSeen
	v.mu.Unlock()
	if sp.Nonce <= last {
		return nil, ErrReplay
	}
	body, err := base64.StdEncoding.DecodeString(sp.Payload)
	if err != nil {
		return nil, ErrMissingField
	}
	plaintext := body
	if sp.Encrypted {
		plaintext, err = decryptCBC(v.aesKey, body)
		if err != nil {
			return nil, err
		}
	}
	wantMAC, err := hex.DecodeString(sp.MAC)
	if err != nil {
		return nil, ErrMissingField
	}
	got := computeMAC(v.hmacKey, sp.Nonce, plaintext)
	if !hmac.Equal(got, wantMAC) {
		return nil, ErrBadMAC
	}
	v.mu.Lock()
	if sp.Nonce > v.lastSeen {
		v.lastSeen = sp.Nonce
	}
	v.mu.Unlock()
	return plaintext, nil
}

// VerifyJSON parses and authenticates a serialized envelope.
func (v *Verifier) VerifyJSON(raw []byte) ([]byte, error) {
	var sp SecuredPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, ErrMissingField
	}
	if sp.Nonce == 0 {
		return nil, ErrMissingField
	}
	return v.Verify(&sp)
}
