// Package security provides envelope encryption/signing for gossip
// traffic and owner/session identity issuance.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
)

// KeyManager manages the replica's envelope encryption/signing keys.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewKeyManager generates a fresh RSA key pair for one replica.
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

// EncryptEnvelope encrypts a gossip envelope payload with AES-GCM under
// a freshly generated key, itself sealed under the replica's RSA key.
func (km *KeyManager) EncryptEnvelope(plaintext []byte) (ciphertext, encryptedKey []byte, err error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, fmt.Errorf("failed to generate AES key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nonce, nonce, plaintext, nil)

	encryptedKey, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, km.publicKey, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt AES key: %w", err)
	}

	return ciphertext, encryptedKey, nil
}

// DecryptEnvelope reverses EncryptEnvelope.
func (km *KeyManager) DecryptEnvelope(ciphertext, encryptedKey []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, km.privateKey, encryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt AES key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SignEnvelope signs an envelope body with RSA-PSS.
func (km *KeyManager) SignEnvelope(data []byte) ([]byte, error) {
	hashed := sha256.Sum256(data)
	signature, err := rsa.SignPSS(rand.Reader, km.privateKey, 0, hashed[:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	return signature, nil
}

// VerifyEnvelope verifies an RSA-PSS envelope signature against km's
// own public key.
func (km *KeyManager) VerifyEnvelope(data, signature []byte) error {
	hashed := sha256.Sum256(data)
	return rsa.VerifyPSS(km.publicKey, 0, hashed[:], signature, nil)
}

// PublicKey exposes km's public key for peers that need to verify
// signatures produced by this replica.
func (km *KeyManager) PublicKey() *rsa.PublicKey {
	return km.publicKey
}

// VerifyEnvelopeWith verifies data against signature using an
// arbitrary peer public key, for verifying inbound envelopes signed by
// a different replica than km.
func VerifyEnvelopeWith(pub *rsa.PublicKey, data, signature []byte) error {
	hashed := sha256.Sum256(data)
	return rsa.VerifyPSS(pub, 0, hashed[:], signature, nil)
}

// GenerateNonce generates a random nonce of the given size.
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// NewOwnerID issues a fresh owner/session identity for the CLI and
// test harness.
func NewOwnerID() string {
	return uuid.New().String()
}

// TLSConfig holds TLS configuration for the REST/gRPC listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// LoadTLSConfig loads TLS configuration.
func LoadTLSConfig(certFile, keyFile, caFile string) (*TLSConfig, error) {
	return &TLSConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   caFile,
	}, nil
}

// ValidateCertificate parses and sanity-checks a PEM-encoded certificate.
func ValidateCertificate(certPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("invalid PEM block")
	}

	_, err := x509.ParseCertificate(block.Bytes)
	return err
}

// AuditLogger logs security-relevant gossip and API events.
type AuditLogger struct {
	enabled bool
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(enabled bool) *AuditLogger {
	return &AuditLogger{enabled: enabled}
}

// LogSecurityEvent logs a security event.
func (al *AuditLogger) LogSecurityEvent(eventType, details string) {
	if !al.enabled {
		return
	}
	log.Printf("SECURITY EVENT [%s]: %s", eventType, details)
}

// LogAccess logs an API access event.
func (al *AuditLogger) LogAccess(resource, action, ownerID string) {
	if !al.enabled {
		return
	}
	log.Printf("ACCESS: %s %s by %s", action, resource, ownerID)
}
