// Package dkim signs outgoing notification mail.
package dkim

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// ErrUnaligned is returned when the From domain is outside the signing domain,
// which receivers enforcing DMARC would reject anyway.
var ErrUnaligned = errors.New("from address not aligned with DKIM domain")

// signedHeaders is what a notification carries; absent ones are still listed
// so they cannot be added in transit.
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-Id", "Mime-Version", "Content-Type",
}

// Signer adds a DKIM-Signature to notification mail
type Signer struct {
	opts dkim.SignOptions
}

// NewSigner creates a signer for domain/selector
func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{opts: dkim.SignOptions{
		Domain:                 strings.ToLower(domain),
		Selector:               selector,
		Signer:                 key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}}
}

// NewSignerFromFile loads a PEM key written by `groupsend dkim generate`
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if err := s.checkAlignment(message); err != nil {
		return nil, err
	}

	opts := s.opts
	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), &opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.opts.Domain
}

// Selector returns the DNS selector
func (s *Signer) Selector() string {
	return s.opts.Selector
}

// checkAlignment applies relaxed alignment: the From domain equals the
// signing domain or is a subdomain of it.
func (s *Signer) checkAlignment(message []byte) error {
	msg, err := mail.ReadMessage(bytes.NewReader(message))
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return fmt.Errorf("invalid From header: %w", err)
	}

	_, host, _ := strings.Cut(from.Address, "@")
	host = strings.ToLower(host)
	if host == s.opts.Domain || strings.HasSuffix(host, "."+s.opts.Domain) {
		return nil
	}
	return fmt.Errorf("%w: %s is not within %s", ErrUnaligned, host, s.opts.Domain)
}
