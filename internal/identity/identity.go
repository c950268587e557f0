// Package identity carries the calling administrator's credentials from
// the authenticating tier to script invocations.
//
// A Context lives only in process memory for the duration of one
// workflow chain. It is never written to the task log, never logged,
// and never placed on a command line.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/nacl/secretbox"
)

// Context is the delegated identity a workflow runs under.
type Context struct {
	Domain    string
	Principal string

	secret string
}

// New builds a Context from explicit credentials.
func New(domain, principal, secret string) Context {
	return Context{Domain: domain, Principal: principal, secret: secret}
}

// Secret returns the credential secret. Callers hand it to the script
// bridge and nowhere else.
func (c Context) Secret() string { return c.secret }

// Qualified returns DOMAIN\principal.
func (c Context) Qualified() string {
	return c.Domain + `\` + c.Principal
}

// String redacts the secret.
func (c Context) String() string {
	return fmt.Sprintf("identity.Context{%s}", c.Qualified())
}

type handoffClaims struct {
	Domain string `json:"dom"`
	Sealed string `json:"sealed"`
	jwt.RegisteredClaims
}

// Codec mints and decodes hand-off tokens. The token is an HS256 JWT
// whose secret claim is sealed with secretbox, so the signing key alone
// cannot recover credentials.
type Codec struct {
	signingKey []byte
	boxKey     [32]byte
	maxAge     time.Duration
}

// NewCodec builds a Codec. boxKeyHex is 64 hex characters.
func NewCodec(signingKey string, boxKeyHex string, maxAge time.Duration) (*Codec, error) {
	raw, err := hex.DecodeString(boxKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("secret box key must be 32 bytes of hex")
	}
	c := &Codec{signingKey: []byte(signingKey), maxAge: maxAge}
	copy(c.boxKey[:], raw)
	return c, nil
}

// Mint produces a hand-off token for ctx.
func (c *Codec) Mint(ctx Context) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(ctx.secret), &nonce, &c.boxKey)

	now := time.Now()
	claims := handoffClaims{
		Domain: ctx.Domain,
		Sealed: base64.RawStdEncoding.EncodeToString(sealed),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ctx.Principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign hand-off token: %w", err)
	}
	return signed, nil
}

// Decode validates a hand-off token and recovers the Context.
func (c *Codec) Decode(tokenString string) (Context, error) {
	var claims handoffClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return Context{}, fmt.Errorf("parse hand-off token: %w", err)
	}
	if !token.Valid {
		return Context{}, fmt.Errorf("hand-off token invalid")
	}

	sealed, err := base64.RawStdEncoding.DecodeString(claims.Sealed)
	if err != nil || len(sealed) < 24 {
		return Context{}, fmt.Errorf("hand-off token: malformed sealed secret")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	secret, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.boxKey)
	if !ok {
		return Context{}, fmt.Errorf("hand-off token: sealed secret does not open")
	}

	return Context{
		Domain:    claims.Domain,
		Principal: claims.Subject,
		secret:    string(secret),
	}, nil
}
