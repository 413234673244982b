// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package ca implements the certificate authority gateway. It signs device
// certificates in-process with the CA certificate and key the service was
// configured with.
package ca

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/relabs-tech/provisio/enroll"
)

// Builder is a builder helper for the CA
type Builder struct {
	// CACertFile is the file path to the X509 certificate of the certificate
	// authority. This is mandatory.
	CACertFile string
	// CAKeyFile is the file path to the X509 private key of the certificate
	// authority. This is mandatory.
	CAKeyFile string
	// Lifetime is the validity period of issued certificates.
	// Default is one year.
	Lifetime time.Duration
	// KeyBits is the RSA key size for device keys. Default is 2048.
	KeyBits int
}

// CA issues device certificates signed by the configured certificate
// authority. It implements enroll.Signer.
type CA struct {
	caCert    *x509.Certificate
	caKey     interface{}
	caCertPEM []byte
	lifetime  time.Duration
	keyBits   int
}

// New reads the CA certificate and key files and returns the CA.
// It panics when the files are missing or not parseable, in which case the
// service cannot reasonably start.
func New(b *Builder) *CA {
	if len(b.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(b.CAKeyFile) == 0 {
		panic("ca-key file missing")
	}
	caCertData, err := os.ReadFile(b.CACertFile)
	if err != nil {
		panic(err)
	}
	caKeyData, err := os.ReadFile(b.CAKeyFile)
	if err != nil {
		panic(err)
	}
	c, err := NewFromPEM(caCertData, caKeyData, b.Lifetime, b.KeyBits)
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromPEM builds the CA from PEM-encoded certificate and key data.
func NewFromPEM(caCertData, caKeyData []byte, lifetime time.Duration, keyBits int) (*CA, error) {
	caCertDataPEM, _ := pem.Decode(caCertData)
	if caCertDataPEM == nil {
		return nil, fmt.Errorf("ca certificate is not PEM encoded")
	}
	caCert, err := x509.ParseCertificate(caCertDataPEM.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca certificate: %w", err)
	}
	caKeyDataPEM, _ := pem.Decode(caKeyData)
	if caKeyDataPEM == nil {
		return nil, fmt.Errorf("ca key is not PEM encoded")
	}
	caKey, err := x509.ParsePKCS8PrivateKey(caKeyDataPEM.Bytes)
	if err != nil {
		// older keys are PKCS1 encoded
		caKey, err = x509.ParsePKCS1PrivateKey(caKeyDataPEM.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse ca key: %w", err)
		}
	}
	if lifetime == 0 {
		lifetime = 365 * 24 * time.Hour
	}
	if keyBits == 0 {
		keyBits = 2048
	}
	return &CA{
		caCert:    caCert,
		caKey:     caKey,
		caCertPEM: caCertData,
		lifetime:  lifetime,
		keyBits:   keyBits,
	}, nil
}

// RootCertificatePEM returns the PEM-encoded CA certificate.
func (c *CA) RootCertificatePEM() []byte {
	return c.caCertPEM
}

// Sign issues a certificate for the subject identity. The operation is
// bounded by the context; on cancellation or any signing error the
// returned error wraps enroll.ErrCAFailure and nothing was issued.
func (c *CA) Sign(ctx context.Context, subjectID string) (*enroll.Credentials, error) {

	// this is the part that takes time, so keep it interruptible
	type keyResult struct {
		key *rsa.PrivateKey
		err error
	}
	keyChan := make(chan keyResult, 1)
	go func() {
		key, err := rsa.GenerateKey(rand.Reader, c.keyBits)
		keyChan <- keyResult{key, err}
	}()

	var certPrivKey *rsa.PrivateKey
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", enroll.ErrCAFailure, ctx.Err())
	case res := <-keyChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", enroll.ErrCAFailure, res.err)
		}
		certPrivKey = res.key
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enroll.ErrCAFailure, err)
	}

	now := time.Now()
	cert := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: subjectID,
		},
		NotBefore:   now,
		NotAfter:    now.Add(c.lifetime),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, cert, c.caCert, &certPrivKey.PublicKey, c.caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enroll.ErrCAFailure, err)
	}

	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certBytes,
	})

	certPrivKeyPEM := new(bytes.Buffer)
	pem.Encode(certPrivKeyPEM, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(certPrivKey),
	})

	return &enroll.Credentials{
		SubjectID:      subjectID,
		CertificatePEM: certPEM.String(),
		PrivateKeyPEM:  certPrivKeyPEM.String(),
	}, nil
}
