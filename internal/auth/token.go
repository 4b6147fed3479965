package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pliu/chatty/internal/apperr"
)

const issuer = "chatty"

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the payload of both token kinds; Type tells them apart so a
// refresh token is never accepted as an access token.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (i *Issuer) IssuePair(userID int) (TokenPair, error) {
	access, err := i.sign(userID, TypeAccess, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.sign(userID, TypeRefresh, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

func (i *Issuer) sign(userID int, kind string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyAccess returns the user id carried by a valid access token.
func (i *Issuer) VerifyAccess(token string) (int, error) {
	return i.verify(token, TypeAccess)
}

// VerifyRefresh returns the user id carried by a valid refresh token.
func (i *Issuer) VerifyRefresh(token string) (int, error) {
	return i.verify(token, TypeRefresh)
}

func (i *Issuer) verify(tokenString, kind string) (int, error) {
	if tokenString == "" {
		return 0, apperr.Unauthorized("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return 0, apperr.Unauthorized("invalid token: %v", err)
	}
	if claims.Type != kind {
		return 0, apperr.Unauthorized("expected %s token, got %q", kind, claims.Type)
	}
	userID, err := strconv.Atoi(claims.Subject)
	if err != nil || userID <= 0 {
		return 0, apperr.Unauthorized("invalid subject %q", claims.Subject)
	}
	return userID, nil
}
