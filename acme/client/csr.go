package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// CSR produces a CertificateSigningRequest for the provided commonName and
// SAN names, signed by the given private key. The CSR uses the public
// component of this key as the CSR public key. If no commonName is provided
// the first of the names is used. CSR returns the DER encoding of the CSR as
// well as the PEM encoding.
func CSR(commonName string, names []string, signer crypto.Signer) ([]byte, string, error) {
	if len(names) == 0 {
		return nil, "", fmt.Errorf("no names specified")
	}
	if signer == nil {
		return nil, "", fmt.Errorf("no private key specified")
	}

	if commonName == "" {
		commonName = names[0]
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		DNSNames: names,
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, signer)
	if err != nil {
		return nil, "", err
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE REQUEST", Bytes: csrBytes,
	})

	return csrBytes, string(pemBytes), nil
}
