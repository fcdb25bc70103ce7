// Package secrets implements the redact/extract/merge algorithm over
// nested argument trees, and the authenticated encryption used for the
// secret envelope side-store. The field-matching rules and the algorithm
// shape are ported from the Python original
// (original_source/.../utils/secrets.py); the AES-256-GCM envelope follows
// pkg/credentials/store.go byte-for-byte (same nonce-prefixed
// ciphertext layout).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel replaces a redacted leaf value.
const Sentinel = "[REDACTED]"

// sensitiveFieldNames is the authoritative, case-insensitive substring set
// used to recognize sensitive leaf keys. Ported verbatim from
// SENSITIVE_FIELD_NAMES in the original Python implementation.
var sensitiveFieldNames = []string{
	"password",
	"new_password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credentials",
	"auth",
	"authorization",
	"_temp_password",
}

// IsSensitiveKey reports whether key matches the sensitive field set via
// case-insensitive substring match. This is the single authoritative
// boundary — changes to what counts as sensitive must be made here.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, candidate := range sensitiveFieldNames {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}

// Tree is a nested JSON-like structure: map[string]any, []any, or a
// scalar. Redact/Extract/Merge all walk maps and arrays-of-maps; arrays of
// bare scalars are passed through unexamined (documented limitation: they
// would need structural knowledge of a field name to redact, spec.md §9).

// Redact walks tree and returns a copy with every sensitive leaf replaced
// by Sentinel. Non-map arrays and scalars pass through unchanged.
func Redact(tree map[string]any) map[string]any {
	redacted, _ := split(tree, true)
	return redacted
}

// Extract walks tree and returns (redactedTree, secretsTree). secretsTree
// preserves the original path hierarchy but contains only sensitive
// leaves; redactedTree has those same leaves replaced with Sentinel.
func Extract(tree map[string]any) (map[string]any, map[string]any) {
	return split(tree, false)
}

// split performs the shared walk. When redactOnly is true, the returned
// secrets map is unused and discarded by Redact.
func split(tree map[string]any, redactOnly bool) (map[string]any, map[string]any) {
	redacted := make(map[string]any, len(tree))
	var secrets map[string]any

	for k, v := range tree {
		if IsSensitiveKey(k) {
			redacted[k] = Sentinel
			if !redactOnly {
				if secrets == nil {
					secrets = make(map[string]any)
				}
				secrets[k] = v
			}
			continue
		}

		switch val := v.(type) {
		case map[string]any:
			r, s := split(val, redactOnly)
			redacted[k] = r
			if len(s) > 0 {
				if secrets == nil {
					secrets = make(map[string]any)
				}
				secrets[k] = s
			}
		case []any:
			redacted[k] = splitArray(val, redactOnly, &secrets, k)
		default:
			redacted[k] = v
		}
	}

	return redacted, secrets
}

func splitArray(arr []any, redactOnly bool, parentSecrets *map[string]any, parentKey string) []any {
	out := make([]any, len(arr))
	var arrSecrets []any
	anySecrets := false

	for i, item := range arr {
		if m, ok := item.(map[string]any); ok {
			r, s := split(m, redactOnly)
			out[i] = r
			if len(s) > 0 {
				anySecrets = true
			}
			arrSecrets = append(arrSecrets, s)
			continue
		}
		out[i] = item
		arrSecrets = append(arrSecrets, nil)
	}

	if !redactOnly && anySecrets {
		if *parentSecrets == nil {
			*parentSecrets = make(map[string]any)
		}
		(*parentSecrets)[parentKey] = arrSecrets
	}

	return out
}

// Merge overwrites redactedTree in place with every value present in
// secretsTree, recursing into nested maps (and the parallel positions of
// arrays-of-maps). It is the inverse of Extract.
func Merge(redactedTree map[string]any, secretsTree map[string]any) map[string]any {
	if secretsTree == nil {
		return redactedTree
	}
	for k, sv := range secretsTree {
		switch secretVal := sv.(type) {
		case map[string]any:
			if existing, ok := redactedTree[k].(map[string]any); ok {
				redactedTree[k] = Merge(existing, secretVal)
			} else {
				redactedTree[k] = secretVal
			}
		case []any:
			if existingArr, ok := redactedTree[k].([]any); ok {
				redactedTree[k] = mergeArray(existingArr, secretVal)
			} else {
				redactedTree[k] = secretVal
			}
		default:
			redactedTree[k] = sv
		}
	}
	return redactedTree
}

func mergeArray(redactedArr []any, secretsArr []any) []any {
	out := make([]any, len(redactedArr))
	copy(out, redactedArr)
	for i, sv := range secretsArr {
		if i >= len(out) {
			break
		}
		if sm, ok := sv.(map[string]any); ok && len(sm) > 0 {
			if rm, ok := out[i].(map[string]any); ok {
				out[i] = Merge(rm, sm)
			}
		}
	}
	return out
}

// HasSensitiveFields reports whether tree contains at least one sensitive
// leaf anywhere in its structure, without allocating a full split.
func HasSensitiveFields(tree map[string]any) bool {
	for k, v := range tree {
		if IsSensitiveKey(k) {
			return true
		}
		switch val := v.(type) {
		case map[string]any:
			if HasSensitiveFields(val) {
				return true
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok && HasSensitiveFields(m) {
					return true
				}
			}
		}
	}
	return false
}

// Cipher performs AES-256-GCM envelope encryption/decryption, keyed by a
// SHA-256 digest of operator-supplied material. Mirrors
// credentials.Store.encrypt/decrypt: nonce prefixed to ciphertext, base64
// encoded at rest.
type Cipher struct {
	key       [32]byte
	ephemeral bool
}

// DeriveKey hashes keyMaterial into a 256-bit AES key, matching spec.md
// §4.E ("256-bit key derived from operator-supplied material, SHA-256 of
// the configured key string").
func DeriveKey(keyMaterial string) [32]byte {
	return sha256.Sum256([]byte(keyMaterial))
}

// NewCipher builds a Cipher from operator-supplied key material. An empty
// keyMaterial degrades to a random ephemeral per-process key; callers must
// surface the startup warning named in spec.md §4.E/§9 themselves —
// Ephemeral() reports when that warning is required.
func NewCipher(keyMaterial string) (*Cipher, error) {
	if keyMaterial == "" {
		var random [32]byte
		if _, err := io.ReadFull(rand.Reader, random[:]); err != nil {
			return nil, fmt.Errorf("secrets: generating ephemeral key: %w", err)
		}
		return &Cipher{key: random, ephemeral: true}, nil
	}
	return &Cipher{key: DeriveKey(keyMaterial)}, nil
}

// Ephemeral reports whether this cipher is running on a random per-process
// key that will not survive a restart.
func (c *Cipher) Ephemeral() bool {
	return c.ephemeral
}

// Encrypt seals plaintext and returns base64-encoded, nonce-prefixed
// ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode base64: %w", err)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("secrets: ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}
