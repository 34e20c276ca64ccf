// package keys offers utility functions for working with crypto.Signers, JWS,
// JWKs and PEM serialization.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Supported CSR/account key algorithm names.
const (
	RS256    = "RS256"
	ECDSA256 = "ECDSA256"
	ECDSA384 = "ECDSA384"
)

// NormalizeAlgorithm maps an algorithm name to one of the supported values,
// falling back to RS256 for an empty or unknown name.
func NormalizeAlgorithm(alg string) string {
	switch alg {
	case ECDSA256, ECDSA384, RS256:
		return alg
	}
	return RS256
}

func SigAlgForKey(signer crypto.Signer) jose.SignatureAlgorithm {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P384() {
			return jose.ES384
		}
		return jose.ES256
	case *rsa.PrivateKey:
		return jose.RS256
	}
	return "unknown"
}

func algForKey(signer crypto.Signer) string {
	switch signer.(type) {
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case *rsa.PrivateKey:
		return "RSA"
	}
	return "unknown"
}

func JWKThumbprintBytes(signer crypto.Signer) []byte {
	jwk := JWKForSigner(signer)
	thumbBytes, _ := jwk.Thumbprint(crypto.SHA256)
	return thumbBytes
}

func JWKThumbprint(signer crypto.Signer) string {
	thumbprintBytes := JWKThumbprintBytes(signer)
	return base64.RawURLEncoding.EncodeToString(thumbprintBytes)
}

// KeyAuth computes the key authorization for a challenge token: the token
// joined to the base64url SHA-256 thumbprint of the account key's JWK.
//
// See https://tools.ietf.org/html/rfc8555#section-8.1
func KeyAuth(signer crypto.Signer, token string) string {
	return fmt.Sprintf("%s.%s", token, JWKThumbprint(signer))
}

// DNSKeyAuthDigest computes the TXT record value for a dns-01 challenge: the
// base64url encoding of the SHA-256 digest of the key authorization string.
//
// See https://tools.ietf.org/html/rfc8555#section-8.4
func DNSKeyAuthDigest(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: algForKey(signer),
	}
}

func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(SigAlgForKey(signer)),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: SigAlgForKey(signer),
	}
}

func SignerToPEM(signer crypto.Signer) (string, error) {
	var keyBytes []byte
	var keyHeader string
	var err error
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		keyBytes, err = x509.MarshalECPrivateKey(k)
		keyHeader = "EC PRIVATE KEY"
	case *rsa.PrivateKey:
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
		keyHeader = "RSA PRIVATE KEY"
	default:
		err = fmt.Errorf("unknown key type: %T", k)
	}
	if err != nil {
		return "", err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  keyHeader,
		Bytes: keyBytes,
	})
	return string(pemBytes), nil
}

func SignerFromPEM(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key data")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("unknown PEM block type %q", block.Type)
}

// NewSigner generates a fresh private key for the named algorithm. The name
// must be one of RS256, ECDSA256 or ECDSA384.
func NewSigner(alg string) (crypto.Signer, error) {
	var randKey crypto.Signer
	var err error
	switch alg {
	case ECDSA256:
		randKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ECDSA384:
		randKey, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case RS256:
		randKey, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		err = fmt.Errorf("unknown key algorithm: %q", alg)
	}
	if err != nil {
		return nil, err
	}
	return randKey, nil
}
