package vlink

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"

	"github.com/1ureka/tincan/internal/errs"
)

const identityKeyBits = 2048

// Identity is the tunnel's X.509 identity for DTLS: an RSA self-signed
// certificate named after the local node and tunnel, plus the SHA-512
// fingerprint of its DER encoding.
type Identity struct {
	cert tls.Certificate
	leaf *x509.Certificate
	fpr  string
}

// NewIdentity generates a fresh RSA identity with the given common name
// (node id concatenated with the tunnel uid).
func NewIdentity(commonName string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating identity key: %v", errs.ErrSystem, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generating certificate serial: %v", errs.ErrSystem, err)
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating identity certificate: %v", errs.ErrSystem, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing identity certificate: %v", errs.ErrSystem, err)
	}
	fpr, err := fingerprintOf(leaf)
	if err != nil {
		return nil, err
	}
	return &Identity{
		cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		leaf: leaf,
		fpr:  fpr,
	}, nil
}

// Certificate returns the identity in the form dtls expects.
func (id *Identity) Certificate() tls.Certificate { return id.cert }

// Fingerprint returns the local fingerprint, e.g.
// "sha-512 AB:CD:…".
func (id *Identity) Fingerprint() string { return id.fpr }

// fingerprintOf renders a certificate's SHA-512 fingerprint in the
// "sha-512 <colon-hex>" form exchanged in PeerInfo.FPR.
func fingerprintOf(cert *x509.Certificate) (string, error) {
	fp, err := fingerprint.Fingerprint(cert, crypto.SHA512)
	if err != nil {
		return "", fmt.Errorf("%w: computing certificate fingerprint: %v", errs.ErrSystem, err)
	}
	return "sha-512 " + strings.ToUpper(fp), nil
}

// fingerprintMatches compares two fingerprint strings ignoring case and
// the optional algorithm prefix.
func fingerprintMatches(a, b string) bool {
	return strings.EqualFold(stripAlgo(a), stripAlgo(b))
}

func stripAlgo(fpr string) string {
	fpr = strings.TrimSpace(fpr)
	if i := strings.IndexByte(fpr, ' '); i >= 0 {
		fpr = fpr[i+1:]
	}
	return fpr
}
