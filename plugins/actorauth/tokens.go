package actorauth

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gosette/gosette/pkg/web"
)

// ErrSignedTokensDisabled is returned for an instance-signed bearer token
// when allow_signed_tokens is off.
var ErrSignedTokensDisabled = errors.New("signed API tokens are disabled")

// Audiences separate the two kinds of instance-signed JWT. A token minted
// for the Authorization header is never accepted as a cookie and the
// reverse.
const (
	CookieAudience = "gosette:actor-cookie"
	TokenAudience  = "gosette:api-token"
)

// claims is the payload of instance-signed cookies and tokens.
type claims struct {
	Actor web.Actor `json:"a"`
	jwt.RegisteredClaims
}

// SignActor returns the HS256 value of the ds_actor cookie. A zero ttl
// never expires.
func SignActor(secret string, actor web.Actor, ttl time.Duration) (string, error) {
	return sign(secret, CookieAudience, actor, ttl)
}

// SignToken returns an HS256 API token for the Authorization header.
func SignToken(secret string, actor web.Actor, ttl time.Duration) (string, error) {
	return sign(secret, TokenAudience, actor, ttl)
}

func sign(secret, audience string, actor web.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor.ID(),
			Audience: jwt.ClaimStrings{audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// VerifyActor checks a ds_actor cookie value signed with secret and returns
// its actor. API tokens are rejected.
func VerifyActor(secret, cookie string) (web.Actor, error) {
	c, err := verifySigned(secret, CookieAudience, cookie)
	if err != nil {
		return nil, err
	}
	return c.Actor, nil
}

func verifySigned(secret, audience, token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}
	if c.Actor == nil || c.Actor.ID() == "" {
		return nil, errors.New("token carries no actor")
	}
	return &c, nil
}

// RootLoginToken is the token that logs the root actor in through
// /-/auth-token. It is derived from the instance secret.
func RootLoginToken(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("root-login"))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// externalVerifier checks RS256 tokens from an external identity provider.
type externalVerifier struct {
	key      *rsa.PublicKey
	issuer   string
	audience string
	// claim holds the actor object; when absent the actor is built from sub
	// and the copied claims.
	claim  string
	copied []string
}

func (v *externalVerifier) verify(token string) (web.Actor, error) {
	var opts []jwt.ParserOption
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	if m, ok := mc[v.claim].(map[string]any); ok {
		return web.Actor(m), nil
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	actor := web.Actor{"id": sub}
	for _, name := range v.copied {
		if val, ok := mc[name]; ok {
			actor[name] = val
		}
	}
	return actor, nil
}

// tokenAlg reads the alg header without verifying anything.
func tokenAlg(token string) (string, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	return tok.Method.Alg(), nil
}

// keyCache parses each distinct PEM once.
type keyCache struct {
	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
}

func (c *keyCache) get(pemData string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[pemData]; ok {
		return k, nil
	}
	k, err := parsePublicKey([]byte(pemData))
	if err != nil {
		return nil, err
	}
	if c.keys == nil {
		c.keys = map[string]*rsa.PublicKey{}
	}
	c.keys[pemData] = k
	return k, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

func readPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read JWT public key from %s: %w", path, err)
	}
	return string(data), nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
