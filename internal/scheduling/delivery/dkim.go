package delivery

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// dkimSigner produces the DKIM-Signature header value required on
// outbound iSchedule requests, reusing go-msgauth/dkim the same way an
// MTA would sign an outgoing email: build the header block + body the
// signature covers, run it through dkim.Sign, then lift the
// DKIM-Signature header back out of the signed copy.
type dkimSigner struct {
	domain   string
	selector string
	signer   crypto.Signer
}

func newDKIMSigner(domain, selector, keyPath string) (*dkimSigner, error) {
	if keyPath == "" || domain == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read dkim private key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in dkim private key file")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &dkimSigner{domain: domain, selector: selector, signer: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse dkim private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("dkim private key does not implement crypto.Signer")
	}
	return &dkimSigner{domain: domain, selector: selector, signer: signer}, nil
}

// DomainKeyRecord renders the DNS TXT-record value peers would publish
// at `<selector>._domainkey.<domain>` for this iSchedule node's signing
// key, in the same `v=DKIM1; k=rsa; p=...` shape dkim.Sign itself
// verifies against when checking an inbound signature.
func DomainKeyRecord(keyPath string) (string, error) {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return "", fmt.Errorf("read dkim private key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", fmt.Errorf("invalid PEM in dkim private key file")
	}

	var pub crypto.PublicKey
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		pub = &key.PublicKey
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("parse dkim private key: %w", err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return "", fmt.Errorf("dkim private key does not implement crypto.Signer")
		}
		pub = signer.Public()
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal dkim public key: %w", err)
	}

	keyType := "rsa"
	if _, ok := pub.(*rsa.PublicKey); !ok {
		keyType = "ed25519"
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", keyType, base64.StdEncoding.EncodeToString(der)), nil
}

// SignHeaders computes the DKIM-Signature value for an outbound
// iSchedule request, signing exactly the headers named (in the order
// given) plus the body.
func (s *dkimSigner) SignHeaders(headerNames []string, headers map[string]string, body []byte) (string, error) {
	var msg bytes.Buffer
	for _, name := range headerNames {
		v, ok := headers[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&msg, "%s: %s\r\n", name, v)
	}
	msg.WriteString("\r\n")
	msg.Write(body)

	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.signer,
		Hash:                   crypto.SHA256,
		HeaderKeys:             headerNames,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationSimple,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(msg.Bytes()), opts); err != nil {
		return "", fmt.Errorf("dkim sign: %w", err)
	}

	for _, line := range strings.Split(signed.String(), "\r\n") {
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "DKIM-Signature:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "DKIM-Signature:")), nil
		}
	}
	return "", fmt.Errorf("dkim signature header not found in signed output")
}
