package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "rizzify-auth"
	defaultAudience = "rizzify-api"
	defaultLeeway   = 30 * time.Second
)

// Config configures bearer token verification. Exactly one of HMACSecret and
// RSAPublicKeyPEM is required.
type Config struct {
	HMACSecret      string
	RSAPublicKeyPEM string
	Issuer          string
	Audience        string
	Leeway          time.Duration
}

// Verifier validates user access tokens and extracts the subject.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	method   string
	key      any
}

func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &Verifier{issuer: issuer, audience: audience, leeway: leeway}

	secret := strings.TrimSpace(cfg.HMACSecret)
	pemKey := strings.TrimSpace(cfg.RSAPublicKeyPEM)
	switch {
	case secret != "" && pemKey != "":
		return nil, errors.New("token verifier takes either an hmac secret or an rsa public key, not both")
	case secret != "":
		if len(secret) < 32 {
			return nil, errors.New("hmac secret must be at least 32 bytes")
		}
		v.method = jwt.SigningMethodHS256.Alg()
		v.key = []byte(secret)
	case pemKey != "":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
		if err != nil {
			return nil, fmt.Errorf("parse rsa public key: %w", err)
		}
		v.method = jwt.SigningMethodRS256.Alg()
		v.key = pub
	default:
		return nil, errors.New("token verifier requires an hmac secret or rsa public key")
	}
	return v, nil
}

// VerifySubject validates the token and returns the subject user id.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{v.method}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

// Issuer is the expected iss claim.
func (v *Verifier) Issuer() string { return v.issuer }

// Audience is the expected aud claim.
func (v *Verifier) Audience() string { return v.audience }
