package deploy

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// Bundle is a certificate PEM bundle split into its components.
type Bundle struct {
	Cert      string // leaf certificate
	Chain     string // intermediates, possibly empty
	Key       string // private key
	Fullchain string // leaf + intermediates
	Combined  string // fullchain + key

	// Parsed leaf fields. Possibly empty when the leaf does not parse.
	CommonName string
	ExpiresAt  time.Time
}

// SplitBundle splits certificate material into deployable components.
// The invariant cert+chain == fullchain holds by construction.
func SplitBundle(material *types.CertificateMaterial) (*Bundle, error) {
	var leaf, chain bytes.Buffer
	rest := []byte(material.PEM)
	count := 0

	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		encoded := pem.EncodeToMemory(block)
		if count == 0 {
			leaf.Write(encoded)
		} else {
			chain.Write(encoded)
		}
		count++
	}

	if count == 0 {
		return nil, fmt.Errorf("no certificate blocks found in PEM bundle")
	}

	b := &Bundle{
		Cert:      leaf.String(),
		Chain:     chain.String(),
		Key:       material.PrivateKey,
		Fullchain: leaf.String() + chain.String(),
	}
	b.Combined = b.Fullchain + b.Key

	// Best-effort leaf parse; fields stay empty if it fails
	if block, _ := pem.Decode([]byte(b.Cert)); block != nil {
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			b.CommonName = cert.Subject.CommonName
			b.ExpiresAt = cert.NotAfter
		}
	}

	return b, nil
}

// Component returns the content for one configured output component.
func (b *Bundle) Component(c types.CertComponent) (string, error) {
	switch c {
	case types.ComponentCert:
		return b.Cert, nil
	case types.ComponentKey:
		return b.Key, nil
	case types.ComponentChain:
		return b.Chain, nil
	case types.ComponentFullchain:
		return b.Fullchain, nil
	case types.ComponentCombined:
		return b.Combined, nil
	default:
		return "", fmt.Errorf("unknown certificate component: %q", c)
	}
}

// Fingerprint is the opaque content identifier used to detect change:
// SHA-256 over the certificate bytes and key.
func Fingerprint(material *types.CertificateMaterial) string {
	h := sha256.New()
	h.Write([]byte(material.PEM))
	h.Write([]byte(material.PrivateKey))
	return hex.EncodeToString(h.Sum(nil))
}
