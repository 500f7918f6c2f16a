package dkim

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: alerts@example.com\r\n" +
	"To: ops@example.org\r\n" +
	"Subject: [groupsend] delivery failed\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Message to 123@g.us failed.\r\n"

func verify(t *testing.T, kp *KeyPair, signed []byte) {
	t.Helper()

	record, err := kp.DNSRecord()
	if err != nil {
		t.Fatalf("DNSRecord() error = %v", err)
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				return nil, fmt.Errorf("unexpected lookup %s", domain)
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("VerifyWithOptions() error = %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("verifications = %d, want 1", len(verifications))
	}
	if verifications[0].Err != nil {
		t.Errorf("signature invalid: %v", verifications[0].Err)
	}
	if verifications[0].Domain != kp.Domain {
		t.Errorf("signed domain = %s, want %s", verifications[0].Domain, kp.Domain)
	}
}

func TestSignVerifies(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmRSA, AlgorithmEd25519} {
		t.Run(string(alg), func(t *testing.T) {
			kp, err := GenerateKey(alg, "example.com", "groupsend")
			if err != nil {
				t.Fatal(err)
			}

			signer := NewSigner(kp.Key, kp.Domain, kp.Selector)
			signed, err := signer.Sign([]byte(testMessage))
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
				t.Error("signed message should start with DKIM-Signature header")
			}
			if !bytes.Contains(signed, []byte("Message to 123@g.us failed.")) {
				t.Error("signed message should contain original body")
			}
			verify(t, kp, signed)
		})
	}
}

func TestSignHeaderList(t *testing.T) {
	kp, err := GenerateKey(AlgorithmEd25519, "example.com", "groupsend")
	if err != nil {
		t.Fatal(err)
	}

	signed, err := NewSigner(kp.Key, "Example.COM", "groupsend").Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	header, _, _ := strings.Cut(string(signed), "\r\n\r\n")
	unfolded := strings.Join(strings.Fields(header), "")
	if !strings.Contains(unfolded, "h=From:To:Subject:Date:Message-Id:Mime-Version:Content-Type;") {
		t.Errorf("unexpected signed header list in:\n%s", header)
	}
	if !strings.Contains(unfolded, "d=example.com;") {
		t.Errorf("signing domain not normalised in:\n%s", header)
	}
	verify(t, kp, signed)
}

func TestSignAlignment(t *testing.T) {
	kp, err := GenerateKey(AlgorithmEd25519, "example.com", "groupsend")
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSigner(kp.Key, kp.Domain, kp.Selector)

	tests := []struct {
		name    string
		from    string
		wantErr error
	}{
		{"same domain", "alerts@example.com", nil},
		{"display name", `"Group Send" <alerts@example.com>`, nil},
		{"subdomain", "alerts@mail.example.com", nil},
		{"other domain", "alerts@example.org", ErrUnaligned},
		{"suffix lookalike", "alerts@badexample.com", ErrUnaligned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := strings.Replace(testMessage, "From: alerts@example.com", "From: "+tt.from, 1)
			_, err := signer.Sign([]byte(msg))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Sign() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignerFromFile(t *testing.T) {
	dir := t.TempDir()

	kp, err := GenerateKey(AlgorithmRSA, "example.com", "mail")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "keys", "mail.pem")
	if err := kp.Save(keyPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	signer, err := NewSignerFromFile(keyPath, "example.com", "mail")
	if err != nil {
		t.Fatalf("NewSignerFromFile failed: %v", err)
	}
	if signer.Domain() != "example.com" {
		t.Errorf("Domain() = %q", signer.Domain())
	}

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	verify(t, kp, signed)

	if _, err := NewSignerFromFile(filepath.Join(dir, "missing.pem"), "example.com", "mail"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestDNSRecord(t *testing.T) {
	tests := []struct {
		alg    Algorithm
		prefix string
	}{
		{AlgorithmRSA, "v=DKIM1; k=rsa; p="},
		{AlgorithmEd25519, "v=DKIM1; k=ed25519; p="},
	}

	for _, tt := range tests {
		kp, err := GenerateKey(tt.alg, "example.com", "s1")
		if err != nil {
			t.Fatal(err)
		}
		record, err := kp.DNSRecord()
		if err != nil {
			t.Fatalf("DNSRecord() error = %v", err)
		}
		if !strings.HasPrefix(record, tt.prefix) {
			t.Errorf("DNSRecord() = %q, want prefix %q", record, tt.prefix)
		}
		if kp.DNSName() != "s1._domainkey.example.com" {
			t.Errorf("DNSName() = %q", kp.DNSName())
		}
	}
}

func TestGenerateKeyUnsupported(t *testing.T) {
	if _, err := GenerateKey("dsa", "example.com", "s1"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
