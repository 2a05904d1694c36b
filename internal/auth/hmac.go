package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ViewerAudience is the audience stamped on live viewer tokens.
const ViewerAudience = "fwcoll-live"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken is returned when a request carries no token at all.
	ErrMissingToken = errors.New("missing token")
)

// Claims is the payload of a viewer token.
type Claims struct {
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	Issued   int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// TokenAuthority issues and verifies compact HS256 tokens for one audience.
type TokenAuthority struct {
	secret   []byte
	audience string
	now      func() time.Time
	leeway   time.Duration
}

// NewTokenAuthority builds an authority for the secret. An empty audience defaults to ViewerAudience.
func NewTokenAuthority(secret, audience string, leeway time.Duration) (*TokenAuthority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if audience == "" {
		audience = ViewerAudience
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenAuthority{secret: []byte(secret), audience: audience, now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the authority clock, enabling deterministic unit tests.
func (a *TokenAuthority) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	a.now = clock
}

// Issue signs a token for subject that expires after ttl.
func (a *TokenAuthority) Issue(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	now := a.now()
	header, err := json.Marshal(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		Subject:  subject,
		Audience: a.audience,
		Issued:   now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signed := encodeSegment(header) + "." + encodeSegment(payload)
	return signed + "." + encodeSegment(a.sign([]byte(signed))), nil
}

// Verify parses the token and validates the signature, audience and expiry.
func (a *TokenAuthority) Verify(token string) (*Claims, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, errors.New("authority not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Check the algorithm before trusting the signature.
	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signature, a.sign([]byte(parts[0]+"."+parts[1]))) {
		return nil, ErrInvalidToken
	}

	//3.- Decode the claims and enforce audience and expiry.
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	if payload.Audience != a.audience {
		return nil, fmt.Errorf("%w: audience %q", ErrInvalidToken, payload.Audience)
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(a.leeway).Before(a.now()) {
		return nil, ErrExpiredToken
	}
	return &Claims{
		Subject:   payload.Subject,
		Audience:  payload.Audience,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

// Authenticate verifies the token carried by a websocket upgrade request and
// returns its subject. The token may arrive as the auth_token query parameter,
// the X-Auth-Token header or a bearer Authorization header.
func (a *TokenAuthority) Authenticate(r *http.Request) (string, error) {
	claims, err := a.Verify(TokenFromRequest(r))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// TokenFromRequest extracts a token from the request without validating it.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (a *TokenAuthority) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeSegment(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
