package signer

import (
	"errors"
	"strings"
	"testing"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(testKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestNew_MissingKey(t *testing.T) {
	_, err := New("")
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	_, err = New("0xnothex")
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for bad key, got %v", err)
	}
}

func TestAddress_LowerCase(t *testing.T) {
	s := newTestSigner(t)
	if s.Address() != testAddress {
		t.Errorf("expected %s, got %s", testAddress, s.Address())
	}
}

func TestCanonicalize_FieldOrder(t *testing.T) {
	req := Request{
		Method: "post",
		Path:   "/exchange",
		Query:  map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	got, err := Canonicalize(req, 1700000000000)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := "1700000000000\nPOST\n/exchange\na=1&b=2&c=3\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBodyDigest_KeyOrderIndependent(t *testing.T) {
	a, err := BodyDigest([]byte(`{"type":"order","grouping":"na","orders":[{"a":1,"b":"x"}]}`))
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	b, err := BodyDigest([]byte(`{"orders":[{"b":"x","a":1}],"grouping":"na","type":"order"}`))
	if err != nil {
		t.Fatalf("digest b: %v", err)
	}
	if a != b {
		t.Errorf("digests differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex digest, got %q", a)
	}

	empty, _ := BodyDigest(nil)
	if empty != "" {
		t.Errorf("expected empty digest for no body, got %q", empty)
	}
}

func TestBodyDigest_NumbersKeepPrecision(t *testing.T) {
	a, err := BodyDigest([]byte(`{"action":{"type":"cancel","cancels":[{"a":0,"o":9007199254740993}]}}`))
	if err != nil {
		t.Fatalf("digest a: %v", err)
	}
	b, err := BodyDigest([]byte(`{"action":{"type":"cancel","cancels":[{"a":0,"o":9007199254740992}]}}`))
	if err != nil {
		t.Fatalf("digest b: %v", err)
	}
	if a == b {
		t.Error("bodies differing only in a large integer must not share a digest")
	}

	c, _ := BodyDigest([]byte(`{"px":1.10}`))
	d, _ := BodyDigest([]byte(`{"px":1.1}`))
	if c == d {
		t.Error("number literals must be hashed as written")
	}

	if _, err := BodyDigest([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestSignAt_Deterministic(t *testing.T) {
	s := newTestSigner(t)
	req := Request{Method: "POST", Path: "/exchange", Body: []byte(`{"action":{"type":"cancel"}}`)}

	first, err := s.SignAt(req, 1700000000000, "nonce-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := s.SignAt(req, 1700000000000, "nonce-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if first.Signature != second.Signature || first.Canonical != second.Canonical {
		t.Error("expected identical output for identical input")
	}

	recovered, err := RecoverAddress(first.Canonical, first.Signature)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != testAddress {
		t.Errorf("signature recovers to %s, want %s", recovered, testAddress)
	}
}

func TestSign_Headers(t *testing.T) {
	s := newTestSigner(t)

	withBody, err := s.Sign(Request{Method: "POST", Path: "/exchange", Body: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for _, h := range []string{HeaderSignature, HeaderTimestamp, HeaderAccount, HeaderNonce} {
		if withBody.Headers.Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if withBody.Headers.Get(HeaderAccount) != testAddress {
		t.Errorf("expected account header %s, got %s", testAddress, withBody.Headers.Get(HeaderAccount))
	}
	if withBody.Headers.Get(HeaderContentType) != "application/json" {
		t.Error("expected content type for request with body")
	}
	if !strings.HasPrefix(withBody.Signature, "0x") || len(withBody.Signature) != 132 {
		t.Errorf("unexpected signature format %q", withBody.Signature)
	}

	noBody, err := s.Sign(Request{Method: "GET", Path: "/info"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if noBody.Headers.Get(HeaderContentType) != "" {
		t.Error("content type must be omitted without a body")
	}
	if noBody.Nonce == withBody.Nonce {
		t.Error("expected fresh nonce per request")
	}
}
