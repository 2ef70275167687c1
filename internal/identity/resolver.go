package identity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

import (
	"github.com/golang-jwt/jwt/v5"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
)

const (
	KindUser = "user"
	KindIP   = "ip"
)

// ErrAuthentication is returned when a bearer token is present but missing,
// malformed or rejected.
var ErrAuthentication = errors.New("authentication failed")

// ClientKey represents a normalized client identifier.
type ClientKey struct {
	Kind string
	ID   string
	Key  string
	// IP is the normalized client address, set for every kind.
	IP string
	// Credential is the caller's own engine key, if one was sent.
	Credential string
}

// Authenticated reports whether the key came from a verified token.
func (k ClientKey) Authenticated() bool { return k.Kind == KindUser }

// Claims carried by identity tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Resolver resolves a client key from an HTTP request.
type Resolver struct {
	secret            []byte
	issuer            string
	CredentialHeader  string
	TrustForwardedFor bool
	now               func() time.Time
}

func NewResolver(auth config.AuthCfg, trustForwardedFor bool) *Resolver {
	hdr := auth.CredentialHeader
	if hdr == "" {
		hdr = "X-Api-Key"
	}
	var secret []byte
	if auth.JWTSecret != "" {
		secret = []byte(auth.JWTSecret)
	}
	return &Resolver{
		secret:            secret,
		issuer:            auth.Issuer,
		CredentialHeader:  hdr,
		TrustForwardedFor: trustForwardedFor,
		now:               time.Now,
	}
}

// Resolve resolves client identity in order: bearer token -> ip.
func (r *Resolver) Resolve(req *http.Request) (ClientKey, error) {
	if req == nil {
		return ClientKey{}, errors.New("nil request")
	}

	ip := r.clientIP(req)
	credential := strings.TrimSpace(req.Header.Get(r.CredentialHeader))

	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		sub, err := r.verify(authz)
		if err != nil {
			return ClientKey{}, err
		}
		k := newKey(KindUser, sub)
		k.IP = ip
		k.Credential = credential
		return k, nil
	}

	if ip == "" {
		return ClientKey{}, errors.New("no client identity found")
	}
	k := newKey(KindIP, ip)
	k.IP = ip
	k.Credential = credential
	return k, nil
}

// Issue signs a token for subject. Used by tooling and tests.
func (r *Resolver) Issue(subject string, ttl time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("identity: no signing secret configured")
	}
	now := r.now().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    r.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func (r *Resolver) verify(authz string) (string, error) {
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrAuthentication)
	}
	if len(r.secret) == 0 {
		return "", fmt.Errorf("%w: bearer tokens are not accepted", ErrAuthentication)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrAuthentication)
	}
	return claims.Subject, nil
}

func (r *Resolver) clientIP(req *http.Request) string {
	if r.TrustForwardedFor {
		if ip := normalizeIP(parseForwardedIP(req.Header.Get("X-Forwarded-For"))); ip != "" {
			return ip
		}
	}
	return normalizeIP(parseRemoteIP(req.RemoteAddr))
}

func newKey(kind, id string) ClientKey {
	return ClientKey{
		Kind: kind,
		ID:   id,
		Key:  kind + ":" + id,
	}
}

func parseForwardedIP(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func parseRemoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}

// normalizeIP returns the canonical text form, or "" for garbage.
func normalizeIP(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
