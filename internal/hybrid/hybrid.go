// Package hybrid implements the message cipher used between peers.
//
// A message body is sealed with XChaCha20-Poly1305 under a fresh random
// 256-bit key and 192-bit nonce. The body key is wrapped for the recipient
// with RSA-OAEP (SHA-256). Signatures are RSA PKCS #1 v1.5 over SHA-256, which
// is deterministic for a given key and message. Keys are at least 2048 bits.
//
// Every binary value leaves this package as standard base64 text, so an
// envelope can be carried in JSON, stored, or printed without re-encoding.
package hybrid

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/pliu/peerchat/internal/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyBits is the size of newly generated key pairs.
	KeyBits = 3072

	// MinKeyBits is the smallest modulus accepted from a peer.
	MinKeyBits = 2048

	// TagSize is the size of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	pemPublicType  = "PUBLIC KEY"
	pemPrivateType = "PRIVATE KEY"
)

var (
	// ErrCrypto is the root of all errors returned by this package.
	ErrCrypto = errors.New("crypto error")

	// ErrMalformedKey indicates a key that does not parse as an RSA key of at
	// least MinKeyBits.
	ErrMalformedKey = fmt.Errorf("%w: malformed key", ErrCrypto)

	// ErrKeyUnwrap indicates the wrapped body key could not be recovered,
	// typically because the envelope was sealed for a different key.
	ErrKeyUnwrap = fmt.Errorf("%w: key unwrap failed", ErrCrypto)

	// ErrTagMismatch indicates the body failed authentication: the ciphertext,
	// nonce or tag was altered.
	ErrTagMismatch = fmt.Errorf("%w: authentication tag mismatch", ErrCrypto)

	// ErrInvalidEnvelope indicates a missing or undecodable envelope field.
	ErrInvalidEnvelope = fmt.Errorf("%w: invalid envelope", ErrCrypto)
)

// Encrypt seals plaintext for the holder of recipient's private key.
func Encrypt(plaintext []byte, recipient *rsa.PublicKey) (*models.Envelope, error) {
	if err := checkPublic(recipient); err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generating body key: %v", ErrCrypto, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrCrypto, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping body key: %v", ErrCrypto, err)
	}

	return &models.Envelope{
		Ciphertext: b64(ct),
		WrappedKey: b64(wrapped),
		Nonce:      b64(nonce),
		Tag:        b64(tag),
	}, nil
}

// Decrypt opens env with priv. It returns ErrKeyUnwrap when the body key
// cannot be recovered and ErrTagMismatch when the body fails authentication.
func Decrypt(env *models.Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if !env.Complete() {
		return nil, ErrInvalidEnvelope
	}
	if priv == nil {
		return nil, ErrMalformedKey
	}

	ct, err1 := unb64(env.Ciphertext)
	wrapped, err2 := unb64(env.WrappedKey)
	nonce, err3 := unb64(env.Nonce)
	tag, err4 := unb64(env.Tag)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX || len(tag) != TagSize {
		return nil, ErrInvalidEnvelope
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyUnwrap
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrKeyUnwrap
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}
	return plaintext, nil
}

// Sign returns the base64 signature of message under priv.
func Sign(message []byte, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrMalformedKey
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(nil, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: signing: %v", ErrCrypto, err)
	}
	return b64(sig), nil
}

// Verify reports whether signature is a valid signature of message by the
// holder of signerPEM. Malformed input yields false.
func Verify(message []byte, signature, signerPEM string) bool {
	pub, err := ParsePublicKey(signerPEM)
	if err != nil {
		return false
	}
	return VerifyKey(message, signature, pub)
}

// VerifyKey is Verify with an already parsed key.
func VerifyKey(message []byte, signature string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	sig, err := unb64(signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// GenerateKey creates a new KeyBits RSA key pair.
func GenerateKey() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key: %v", ErrCrypto, err)
	}
	return priv, nil
}

// ParsePublicKey parses a PEM "PUBLIC KEY" block holding an RSA key of at
// least MinKeyBits.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != pemPublicType {
		return nil, ErrMalformedKey
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	if err := checkPublic(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// ParsePrivateKey parses a PEM "PRIVATE KEY" (PKCS #8) block holding an RSA
// key of at least MinKeyBits.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != pemPrivateType {
		return nil, ErrMalformedKey
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if err := checkPublic(&priv.PublicKey); err != nil {
		return nil, err
	}
	return priv, nil
}

// MarshalPublicKey encodes pub as a PEM "PUBLIC KEY" block.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicType, Bytes: der})), nil
}

// MarshalPrivateKey encodes priv as a PEM "PRIVATE KEY" (PKCS #8) block.
func MarshalPrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateType, Bytes: der})), nil
}

func checkPublic(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil {
		return ErrMalformedKey
	}
	if pub.N.BitLen() < MinKeyBits {
		return fmt.Errorf("%w: key is %d bits, need at least %d", ErrMalformedKey, pub.N.BitLen(), MinKeyBits)
	}
	return nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// IdentitySaltV1 is the salt of identity hash version 1. Changing it changes
// every peer identity.
const IdentitySaltV1 = "peerchat/identity/v1"

var identitySalts = map[string]string{
	"v1": IdentitySaltV1,
}

// ErrUnknownSaltVersion is returned by HashIdentityVersion for a version
// without a registered salt.
var ErrUnknownSaltVersion = errors.New("unknown identity salt version")

// HashIdentity derives the peer identity of rawID with the current salt.
func HashIdentity(rawID string) string {
	id, _ := HashIdentityVersion(rawID, "v1")
	return id
}

// HashIdentityVersion derives the peer identity of rawID under the salt of the
// given version. The result is a keyed BLAKE2b-256 digest in unpadded
// base64url, safe for use in URLs and file names.
func HashIdentityVersion(rawID, version string) (string, error) {
	salt, ok := identitySalts[version]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSaltVersion, version)
	}
	h, err := blake2b.New256([]byte(salt))
	if err != nil {
		return "", err
	}
	h.Write([]byte(rawID))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}
