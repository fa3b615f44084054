// Package auth issues and validates the bearer tokens the broker's HTTP
// surface requires: an opaque HMAC-signed `tenantId.role.expiry.signature`
// token rather than a full JWT, carrying only the two claims the
// middleware layer actually needs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("auth: invalid token")
var ErrExpiredToken = errors.New("auth: expired token")

// Claims is the minimal identity a validated token carries.
type Claims struct {
	TenantID string
	Role     string
}

// Issuer signs and validates tokens with a shared secret. The AUTH_SECRET
// configuration option backs this; deployments exchange it out-of-band.
type Issuer struct {
	secret []byte
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token for tenantID/role valid for ttl.
func (i *Issuer) Issue(tenantID, role string, ttl time.Duration) string {
	exp := time.Now().Add(ttl).Unix()
	payload := encodeField(tenantID) + "." + encodeField(role) + "." + strconv.FormatInt(exp, 10)
	return payload + "." + i.sign(payload)
}

// Validate parses and verifies a token, returning its Claims.
func (i *Issuer) Validate(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return Claims{}, ErrInvalidToken
	}
	payload := parts[0] + "." + parts[1] + "." + parts[2]
	want := i.sign(payload)
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[3])) != 1 {
		return Claims{}, ErrInvalidToken
	}

	tenantID, err := decodeField(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	role, err := decodeField(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() > exp {
		return Claims{}, ErrExpiredToken
	}
	return Claims{TenantID: tenantID, Role: role}, nil
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func encodeField(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeField(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("auth: decode field: %w", err)
	}
	return string(b), nil
}
