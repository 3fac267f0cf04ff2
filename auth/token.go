package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"middlewared/logger"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Token authorizes a peer presenting an HMAC-signed JWT in the handshake's
// "Authorization: Bearer" header. It is meant for deployments where the
// channel may cross a network boundary and socket ownership proves nothing.
type Token struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// Claims carried by a middlewared access token.
type Claims struct {
	jwt.RegisteredClaims
}

func NewToken(secret []byte, issuer string, log *zap.Logger) (*Token, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: token secret is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Token{secret: secret, issuer: issuer, logger: log}, nil
}

// Issue mints a token for subject valid for ttl.
func (a *Token) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Token) Authenticate(_ context.Context, peer Peer) bool {
	if _, err := a.verify(peer); err != nil {
		a.logger.Info("token rejected", zap.String(logger.KeyPeer, fmt.Sprint(peer.Remote)), zap.Error(err))
		return false
	}
	return true
}

func (a *Token) verify(peer Peer) (*Claims, error) {
	if peer.Header == nil {
		return nil, errors.New("no handshake headers")
	}
	raw, ok := strings.CutPrefix(peer.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
