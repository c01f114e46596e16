package signer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

const (
	HeaderSignature   = "X-Signature"
	HeaderTimestamp   = "X-Timestamp"
	HeaderAccount     = "X-Account"
	HeaderNonce       = "X-Nonce"
	HeaderContentType = "Content-Type"
)

type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   []byte
}

type SignedRequest struct {
	Request
	Timestamp int64
	Nonce     string
	Canonical string
	Signature string
	Headers   http.Header
}

type Signer struct {
	key     *ecdsa.PrivateKey
	address string
	now     func() time.Time
}

func New(privateKeyHex string) (*Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if raw == "" {
		return nil, &domain.ConfigurationError{Field: "venue.private_key", Reason: "signing key is not set"}
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "venue.private_key", Reason: fmt.Sprintf("invalid key: %v", err)}
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		now:     time.Now,
	}, nil
}

// Address is the lower-cased account address derived from the key.
func (s *Signer) Address() string {
	return s.address
}

func (s *Signer) Sign(req Request) (*SignedRequest, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.SignAt(req, s.now().UnixMilli(), nonce)
}

// SignAt signs with a caller-chosen timestamp and nonce. Identical inputs
// always produce the same canonical string and signature.
func (s *Signer) SignAt(req Request, timestamp int64, nonce string) (*SignedRequest, error) {
	canonical, err := Canonicalize(req, timestamp)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(canonical)), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	signature := hexutil.Encode(sig)

	headers := http.Header{}
	headers.Set(HeaderSignature, signature)
	headers.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	headers.Set(HeaderAccount, s.address)
	headers.Set(HeaderNonce, nonce)
	if len(req.Body) > 0 {
		headers.Set(HeaderContentType, "application/json")
	}

	return &SignedRequest{
		Request:   req,
		Timestamp: timestamp,
		Nonce:     nonce,
		Canonical: canonical,
		Signature: signature,
		Headers:   headers,
	}, nil
}

func Canonicalize(req Request, timestamp int64) (string, error) {
	digest, err := BodyDigest(req.Body)
	if err != nil {
		return "", err
	}
	parts := []string{
		strconv.FormatInt(timestamp, 10),
		strings.ToUpper(req.Method),
		req.Path,
		SortedQuery(req.Query),
		digest,
	}
	return strings.Join(parts, "\n"), nil
}

func SortedQuery(query map[string]string) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(query[k])
	}
	return b.String()
}

// BodyDigest hashes the body after re-encoding it with sorted object keys,
// so field order in the caller's payload does not change the digest.
// Numbers keep their literal text.
func BodyDigest(body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("normalize body: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("normalize body: trailing data after JSON value")
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("normalize body: %w", err)
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// RecoverAddress returns the lower-cased address that produced signature
// over canonical.
func RecoverAddress(canonical, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature length %d", len(sig))
	}
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(canonical)), sig)
	if err != nil {
		return "", fmt.Errorf("recover key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
