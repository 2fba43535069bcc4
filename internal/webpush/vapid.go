package webpush

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxVAPIDLifetime bounds how far in the future a VAPID token may expire.
const maxVAPIDLifetime = 24 * time.Hour

// ParseApplicationServerKey decodes a base64url uncompressed P-256 public key.
func ParseApplicationServerKey(key string) (*ecdsa.PublicKey, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decoding application server key: %w", err)
	}
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("parsing application server key: %w", err)
	}
	return pub, nil
}

// decodeKey accepts base64url with or without padding.
func decodeKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
}

// parseVAPIDHeader splits an Authorization header of the form
// "vapid t=<jwt>, k=<key>".
func parseVAPIDHeader(header string) (token, key string, err error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "vapid") {
		return "", "", errors.New("authorization scheme is not vapid")
	}
	for _, part := range strings.Split(params, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch name {
		case "t":
			token = value
		case "k":
			key = value
		}
	}
	if token == "" || key == "" {
		return "", "", errors.New("vapid header missing t or k")
	}
	return token, key, nil
}

// verifyVAPID checks that header carries a VAPID token signed by the
// application server key the subscription was created with, addressed to
// audience.
func verifyVAPID(header, audience, applicationServerKey string, now time.Time) error {
	token, key, err := parseVAPIDHeader(header)
	if err != nil {
		return err
	}

	got, err := decodeKey(key)
	if err != nil {
		return fmt.Errorf("decoding vapid key: %w", err)
	}
	want, err := decodeKey(applicationServerKey)
	if err != nil {
		return fmt.Errorf("decoding application server key: %w", err)
	}
	if !bytes.Equal(got, want) {
		return errors.New("vapid key does not match subscription")
	}
	pub, err := ParseApplicationServerKey(applicationServerKey)
	if err != nil {
		return err
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("verifying vapid token: %w", err)
	}
	if claims.ExpiresAt.Sub(now) > maxVAPIDLifetime {
		return errors.New("vapid token expires too far in the future")
	}
	return nil
}
