package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test"

func TestHashAndCompare(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct horse")
	req.NoError(err)
	req.NotEqual("correct horse", hash)

	match, err := ComparePassword("correct horse", hash)
	req.NoError(err)
	req.True(match)

	match, err = ComparePassword("wrong", hash)
	req.NoError(err)
	req.False(match)

	_, err = ComparePassword("x", "not-a-hash")
	req.Error(err)
}

func TestIssuer_RoundTrip(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer(testSecret, time.Minute, time.Hour)

	// Given a freshly issued pair
	pair, err := issuer.IssuePair(42)
	req.NoError(err)
	req.Equal("bearer", pair.TokenType)

	// When each token is verified as its own kind
	accessID, err := issuer.VerifyAccess(pair.AccessToken)
	req.NoError(err)
	refreshID, err := issuer.VerifyRefresh(pair.RefreshToken)
	req.NoError(err)

	// Then both carry the user id
	req.Equal(42, accessID)
	req.Equal(42, refreshID)
}

func TestIssuer_RejectsWrongKind(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer(testSecret, time.Minute, time.Hour)
	pair, err := issuer.IssuePair(7)
	req.NoError(err)

	_, err = issuer.VerifyAccess(pair.RefreshToken)
	req.ErrorIs(err, apperr.ErrUnauthorized)

	_, err = issuer.VerifyRefresh(pair.AccessToken)
	req.ErrorIs(err, apperr.ErrUnauthorized)
}

func TestIssuer_RejectsExpiredAndForeign(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer(testSecret, time.Minute, time.Hour)
	pair, err := issuer.IssuePair(7)
	req.NoError(err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.VerifyAccess(pair.AccessToken)
	req.ErrorIs(err, apperr.ErrUnauthorized)

	other := NewIssuer("another-secret-of-length", time.Minute, time.Hour)
	_, err = other.VerifyRefresh(pair.RefreshToken)
	req.ErrorIs(err, apperr.ErrUnauthorized)

	_, err = issuer.VerifyAccess("")
	req.ErrorIs(err, apperr.ErrUnauthorized)

	_, err = issuer.VerifyAccess("garbage")
	req.ErrorIs(err, apperr.ErrUnauthorized)
}

func TestIssuer_RejectsNoneAlgorithm(t *testing.T) {
	req := require.New(t)
	issuer := NewIssuer(testSecret, time.Minute, time.Hour)

	claims := &Claims{Type: TypeAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "1", Issuer: "chatty"}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = issuer.VerifyAccess(unsigned)
	req.ErrorIs(err, apperr.ErrUnauthorized)
}
