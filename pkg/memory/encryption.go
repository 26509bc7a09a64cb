package memory

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// scrypt cost parameters from spec §4.4.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

const encPrefix = "enc:v1:"

// Cipher derives per-owner sub-keys from a master key and seals/opens text
// fields with AES-256-GCM, per spec §4.4. Sub-keys are cached since scrypt
// is deliberately expensive.
type Cipher struct {
	masterKey []byte

	mu    sync.Mutex
	cache map[string][]byte
}

// NewCipher builds a Cipher. A nil/empty masterKey means encryption is
// disabled; callers should check Enabled() before calling Seal/Open.
func NewCipher(masterKey string) *Cipher {
	var key []byte
	if masterKey != "" {
		key = []byte(masterKey)
	}
	return &Cipher{masterKey: key, cache: make(map[string][]byte)}
}

// Enabled reports whether a master key is configured.
func (c *Cipher) Enabled() bool {
	return len(c.masterKey) > 0
}

// subKey derives the scrypt sub-key for ownerID, using
// salt = HMAC-SHA256("salt", ownerID) per spec §4.4.
func (c *Cipher) subKey(ownerID string) ([]byte, error) {
	c.mu.Lock()
	if k, ok := c.cache[ownerID]; ok {
		c.mu.Unlock()
		return k, nil
	}
	c.mu.Unlock()

	mac := hmac.New(sha256.New, []byte("salt"))
	mac.Write([]byte(ownerID))
	salt := mac.Sum(nil)

	key, err := scrypt.Key(c.masterKey, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}

	c.mu.Lock()
	c.cache[ownerID] = key
	c.mu.Unlock()
	return key, nil
}

// Seal encrypts plaintext for ownerID, returning
// "enc:v1:"+base64(iv)+":"+base64(tag)+":"+base64(ciphertext).
func (c *Cipher) Seal(ownerID, plaintext string) (string, error) {
	key, err := c.subKey(ownerID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	return encPrefix + base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value previously produced by Seal for the same ownerID.
func (c *Cipher) Open(ownerID, sealed string) (string, error) {
	if !strings.HasPrefix(sealed, encPrefix) {
		return "", apperrors.New(apperrors.Validation, "value is not an enc:v1 payload")
	}
	parts := strings.Split(strings.TrimPrefix(sealed, encPrefix), ":")
	if len(parts) != 3 {
		return "", apperrors.New(apperrors.Validation, "malformed enc:v1 payload")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", apperrors.WrapAs(apperrors.Validation, "bad iv encoding", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", apperrors.WrapAs(apperrors.Validation, "bad tag encoding", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", apperrors.WrapAs(apperrors.Validation, "bad ciphertext encoding", err)
	}

	key, err := c.subKey(ownerID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, err)
	}

	combined := append(append([]byte{}, ciphertext...), tag...)
	plain, err := gcm.Open(nil, iv, combined, nil)
	if err != nil {
		return "", apperrors.WrapAs(apperrors.Validation, fmt.Sprintf("decrypt failed for owner %s", ownerID), err)
	}
	return string(plain), nil
}
