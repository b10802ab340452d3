// Copyright (c) 2024 CollabSec, Inc.

// Package guacamole mints and exchanges session tokens for the Guacamole
// gateway that fronts leased instances. A token is a connection descriptor,
// sealed with the shared gateway key, that the gateway's json-auth extension
// accepts in exchange for a browsable session URL.
package guacamole

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/collabsec/labdesk/backend/services/utils"
)

// Parameters holds the protocol-level connection settings for a single
// connection inside a descriptor.
type Parameters struct {
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Password string `json:"password"`
}

// Connection is one named connection inside a descriptor.
type Connection struct {
	Protocol   string     `json:"protocol"`
	Parameters Parameters `json:"parameters"`
}

// Descriptor is the payload sealed into a session token. Expires is a unix
// timestamp in milliseconds; the gateway refuses the token after it passes.
type Descriptor struct {
	Username    string                `json:"username"`
	Expires     int64                 `json:"expires"`
	Connections map[string]Connection `json:"connections"`
}

// Seal signs and encrypts a connection descriptor into the base64 token the
// gateway accepts. The wire format is fixed by the gateway's json-auth
// extension: the serialized descriptor is prefixed with its HMAC-SHA256
// signature, and the whole thing is AES-128-CBC encrypted with a zero IV
// under the shared key. The zero IV makes Seal deterministic for a given
// descriptor and key, which the gateway side relies on; confidentiality here
// is best-effort, integrity comes from the signature.
func Seal(descriptor Descriptor, key []byte) (string, error) {
	if len(key) != aes.BlockSize {
		return "", utils.MakeError("gateway key must be %d bytes, got %d", aes.BlockSize, len(key))
	}

	payload, err := json.Marshal(descriptor)
	if err != nil {
		return "", utils.MakeError("couldn't serialize connection descriptor: %s", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	signed := append(mac.Sum(nil), payload...)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", utils.MakeError("couldn't initialize gateway cipher: %s", err)
	}

	padded := padPKCS7(signed, aes.BlockSize)
	sealed := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, padded)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts and verifies a token produced by Seal, returning the
// descriptor it carries. Any tampering with the token, including its
// signature, causes an error.
func Unseal(token string, key []byte) (Descriptor, error) {
	var descriptor Descriptor

	if len(key) != aes.BlockSize {
		return descriptor, utils.MakeError("gateway key must be %d bytes, got %d", aes.BlockSize, len(key))
	}

	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return descriptor, utils.MakeError("token is not valid base64: %s", err)
	}
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return descriptor, utils.MakeError("token ciphertext has invalid length %d", len(sealed))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return descriptor, utils.MakeError("couldn't initialize gateway cipher: %s", err)
	}

	signed := make([]byte, len(sealed))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(signed, sealed)

	signed, err = unpadPKCS7(signed, aes.BlockSize)
	if err != nil {
		return descriptor, utils.MakeError("token has invalid padding: %s", err)
	}
	if len(signed) < sha256.Size {
		return descriptor, utils.MakeError("token payload too short to carry a signature")
	}

	signature, payload := signed[:sha256.Size], signed[sha256.Size:]
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return descriptor, utils.MakeError("token signature mismatch")
	}

	if err := json.Unmarshal(payload, &descriptor); err != nil {
		return descriptor, utils.MakeError("token payload is not a valid descriptor: %s", err)
	}

	return descriptor, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, utils.MakeError("data length %d is not a multiple of the block size", len(data))
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, utils.MakeError("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, utils.MakeError("inconsistent padding bytes")
		}
	}

	return data[:len(data)-n], nil
}
