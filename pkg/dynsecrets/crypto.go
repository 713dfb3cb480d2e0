package dynsecrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// passwordBytes is the raw length of a generated password. Base64 of 32
// bytes is 44 characters.
const passwordBytes = 32

// LoadPrivateKey reads the agent's long-term RSA key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey accepts PKCS#8 or PKCS#1 PEM.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// DecryptEnvelope unwraps the AES key with RSA-OAEP and opens the
// AES-256-GCM payload. The GCM tag is appended to the ciphertext.
func DecryptEnvelope(priv *rsa.PrivateKey, env *types.EncryptedConfigEnvelope) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped key encoding: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap config key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("invalid config key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("config decryption failed: %w", err)
	}
	return plaintext, nil
}

// EncryptEnvelope is the inverse of DecryptEnvelope, used in tests and
// by local tooling that stages configs.
func EncryptEnvelope(pub *rsa.PublicKey, plaintext []byte) (*types.EncryptedConfigEnvelope, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, err
	}

	return &types.EncryptedConfigEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// GeneratePassword returns a 32-byte random password, base64 encoded.
func GeneratePassword() (string, error) {
	raw := make([]byte, passwordBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncryptPassword seals a generated password under the vault's public
// key so it never crosses the wire in clear.
func EncryptPassword(vaultPublicKeyPEM, password string) (string, error) {
	block, _ := pem.Decode([]byte(vaultPublicKeyPEM))
	if block == nil {
		return "", fmt.Errorf("no PEM block in vault public key")
	}

	var pub *rsa.PublicKey
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		var ok bool
		pub, ok = parsed.(*rsa.PublicKey)
		if !ok {
			return "", fmt.Errorf("vault public key is not RSA")
		}
	} else if pkcs1, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		pub = pkcs1
	} else {
		return "", fmt.Errorf("failed to parse vault public key")
	}

	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(password), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
