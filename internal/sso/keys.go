package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/httpclient"
)

// KeySource yields the public key used to encrypt the password.
type KeySource interface {
	PublicKey(ctx context.Context, client *httpclient.Client) (*rsa.PublicKey, error)
}

// ErrNoKeySource is returned when neither a static nor a dynamic key is configured.
var ErrNoKeySource = errors.New("no SSO public key configured")

// NewKeySource prefers a static PEM and falls back to the dynamic endpoint.
func NewKeySource(pemText, keyURL string) (KeySource, error) {
	if strings.TrimSpace(pemText) != "" {
		return NewStaticKey(pemText)
	}
	if keyURL != "" {
		return &DynamicKey{URL: keyURL}, nil
	}
	return nil, ErrNoKeySource
}

// StaticKey is a key embedded in the deployment's login page script.
type StaticKey struct {
	key *rsa.PublicKey
}

// NewStaticKey parses a PEM (PKIX or PKCS#1) or a bare base64 DER key.
func NewStaticKey(text string) (*StaticKey, error) {
	key, err := ParsePublicKey(text)
	if err != nil {
		return nil, err
	}
	return &StaticKey{key: key}, nil
}

func (s *StaticKey) PublicKey(context.Context, *httpclient.Client) (*rsa.PublicKey, error) {
	return s.key, nil
}

// ParsePublicKey accepts "PUBLIC KEY" and "RSA PUBLIC KEY" PEM blocks, or the
// base64 body of either without armour.
func ParsePublicKey(text string) (*rsa.PublicKey, error) {
	text = strings.TrimSpace(text)
	var der []byte
	if block, _ := pem.Decode([]byte(text)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text), ""))
		if err != nil {
			return nil, fmt.Errorf("public key is neither PEM nor base64: %w", err)
		}
		der = raw
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// DynamicKey fetches {"modulus","exponent"} from the SSO server on every
// login. Both values may be base64 or hex encoded.
type DynamicKey struct {
	URL string
}

func (d *DynamicKey) PublicKey(ctx context.Context, client *httpclient.Client) (*rsa.PublicKey, error) {
	resp, err := client.Get(ctx, d.URL, http.Header{"X-Requested-With": {"XMLHttpRequest"}})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, domain.StatusError("fetch public key", resp.Status, d.URL)
	}

	var body struct {
		Modulus  string `json:"modulus"`
		Exponent string `json:"exponent"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: "fetch public key", URL: d.URL, Err: err}
	}

	n, err := decodeBigInt(body.Modulus)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: "decode modulus", URL: d.URL, Err: err}
	}
	e, err := decodeBigInt(body.Exponent)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeBadResponse, Op: "decode exponent", URL: d.URL, Err: err}
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, domain.NewError(domain.CodeBadResponse, "decode exponent", "exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func decodeBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty value")
	}
	if isHex(s) {
		raw, err := hex.DecodeString(s)
		if err == nil {
			return new(big.Int).SetBytes(raw), nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// isHex reports whether s is an even-length hex string. Base64 values such
// as "AQAB" contain uppercase letters outside a-f and fall through.
func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

// EncryptPassword returns base64(RSA-PKCS1v15(password)).
func EncryptPassword(key *rsa.PublicKey, password string) (string, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(password))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}
