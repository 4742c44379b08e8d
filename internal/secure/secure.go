// Package secure wraps agent messages in an encrypted, signed envelope.
// Payloads are signed with HMAC-SHA256 and encrypted with AES-256-GCM,
// both keys derived from one shared secret. Receivers decrypt, verify,
// and only then accept; anything that fails either step is rejected and
// the caller logs and drops it.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrRejected marks a message that failed decryption or signature
// verification. Callers drop the message; it is never processed.
var ErrRejected = errors.New("message rejected")

// sealedMessage is the wire shape. Sealed false means the sender had no
// shared secret configured and the payload travels in plaintext.
type sealedMessage struct {
	Sealed     bool            `json:"sealed"`
	Nonce      []byte          `json:"nonce,omitempty"`
	Ciphertext []byte          `json:"ciphertext,omitempty"`
	Signature  []byte          `json:"signature,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Sealer seals and opens messages with keys derived from a shared secret.
// With an empty secret it passes payloads through unchanged, loudly.
type Sealer struct {
	aead    cipher.AEAD
	macKey  []byte
	enabled bool
	logger  *slog.Logger
	metrics *Metrics
}

// New builds a Sealer from the shared secret. An empty secret disables
// sealing: messages are sent and accepted in plaintext, and the fallback is
// logged once here so it never happens silently.
func New(secret string, logger *slog.Logger, metrics *Metrics) (*Sealer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sealer{logger: logger, metrics: metrics}
	if secret == "" {
		logger.Warn("no messaging secret configured, agent messages travel in plaintext")
		return s, nil
	}

	encKey := sha256.Sum256([]byte(secret + ":encryption"))
	macKey := sha256.Sum256([]byte(secret + ":signature"))

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("messaging cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("messaging cipher: %w", err)
	}

	s.aead = aead
	s.macKey = macKey[:]
	s.enabled = true
	return s, nil
}

// Enabled reports whether messages are actually sealed.
func (s *Sealer) Enabled() bool { return s.enabled }

// Seal signs the payload, encrypts it, and returns the wire message.
func (s *Sealer) Seal(payload []byte) ([]byte, error) {
	if !s.enabled {
		return json.Marshal(sealedMessage{Sealed: false, Payload: payload})
	}

	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(payload)
	signature := mac.Sum(nil)

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealing message: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, payload, nil)

	return json.Marshal(sealedMessage{
		Sealed:     true,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  signature,
	})
}

// Open decrypts and verifies a wire message and returns the payload.
// When sealing is enabled, plaintext messages are rejected too. Every
// rejection wraps ErrRejected.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	var msg sealedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, s.reject("malformed", err)
	}

	if !msg.Sealed {
		if s.enabled {
			return nil, s.reject("plaintext message on sealed channel", nil)
		}
		return msg.Payload, nil
	}
	if !s.enabled {
		return nil, s.reject("sealed message without a configured secret", nil)
	}

	payload, err := s.aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		return nil, s.reject("decryption failed", err)
	}

	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), msg.Signature) {
		return nil, s.reject("signature mismatch", nil)
	}
	return payload, nil
}

func (s *Sealer) reject(reason string, err error) error {
	s.metrics.IncRejected()
	if err != nil {
		s.logger.Warn("dropping message", slog.String("reason", reason), slog.String("error", err.Error()))
	} else {
		s.logger.Warn("dropping message", slog.String("reason", reason))
	}
	return fmt.Errorf("%s: %w", reason, ErrRejected)
}
