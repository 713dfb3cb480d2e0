package dynsecrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestEnvelope_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"connectionId":"conn-1","configVersion":3}`)

	env, err := EncryptEnvelope(&key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("EncryptEnvelope failed: %v", err)
	}
	got, err := DecryptEnvelope(key, env)
	if err != nil {
		t.Fatalf("DecryptEnvelope failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestDecryptEnvelope_TamperedCiphertext(t *testing.T) {
	key := testKey(t)
	env, err := EncryptEnvelope(&key.PublicKey, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptEnvelope failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := DecryptEnvelope(key, env); err == nil {
		t.Error("expected GCM authentication failure on tampered ciphertext")
	}
}

func TestDecryptEnvelope_WrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	env, err := EncryptEnvelope(&key.PublicKey, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptEnvelope failed: %v", err)
	}
	if _, err := DecryptEnvelope(other, env); err == nil {
		t.Error("expected failure decrypting with the wrong private key")
	}
}

func TestParsePrivateKey_BothEncodings(t *testing.T) {
	key := testKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if _, err := ParsePrivateKey(pkcs1); err != nil {
		t.Errorf("PKCS#1 parse failed: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := ParsePrivateKey(pkcs8); err != nil {
		t.Errorf("PKCS#8 parse failed: %v", err)
	}

	if _, err := ParsePrivateKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

// TestGeneratePassword checks the documented shape: 32 random bytes,
// base64 encoded to 44 characters.
func TestGeneratePassword(t *testing.T) {
	p1, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword failed: %v", err)
	}
	if len(p1) != 44 {
		t.Errorf("password length = %d, want 44", len(p1))
	}
	if _, err := base64.StdEncoding.DecodeString(p1); err != nil {
		t.Errorf("password is not valid base64: %v", err)
	}

	p2, err := GeneratePassword()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Error("two generated passwords must differ")
	}
}

func TestEncryptPassword(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	sealed, err := EncryptPassword(pubPEM, "hunter2")
	if err != nil {
		t.Fatalf("EncryptPassword failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("sealed password is not base64: %v", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, raw, nil)
	if err != nil {
		t.Fatalf("OAEP decrypt failed: %v", err)
	}
	if string(plain) != "hunter2" {
		t.Errorf("decrypted = %q, want hunter2", plain)
	}
}

func TestEncryptPassword_BadKey(t *testing.T) {
	if _, err := EncryptPassword("garbage", "pw"); err == nil {
		t.Error("expected error for a malformed public key")
	}
}
