package auth

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestStaticAuthenticator(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	a := NewStaticAuthenticator(map[string]string{"alice": hash})
	ctx := context.Background()

	id, err := a.Authenticate(ctx, Credentials{ClientID: "c1", Username: ptr("alice"), Password: []byte("s3cret")})
	require.NoError(t, err)
	assert.Equal(t, "alice", *id.Username)

	_, err = a.Authenticate(ctx, Credentials{ClientID: "c1", Username: ptr("alice"), Password: []byte("wrong")})
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = a.Authenticate(ctx, Credentials{ClientID: "c1", Username: ptr("bob"), Password: []byte("s3cret")})
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = a.Authenticate(ctx, Credentials{ClientID: "c1"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	_, err := VerifyPassword([]byte("x"), "$bcrypt$nope")
	assert.Error(t, err)
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	ctx := context.Background()
	token, err := a.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Username:         "gateway",
		ClientID:         "gw-1",
	})
	require.NoError(t, err)

	id, err := a.Authenticate(ctx, Credentials{ClientID: "gw-1", Password: []byte(token)})
	require.NoError(t, err)
	assert.Equal(t, "gateway", *id.Username)

	_, err = a.Authenticate(ctx, Credentials{ClientID: "gw-2", Password: []byte(token)})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = NewJWTAuthenticator("other").Authenticate(ctx, Credentials{ClientID: "gw-1", Password: []byte(token)})
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired, err := a.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		Username:         "gateway",
	})
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, Credentials{ClientID: "gw-1", Password: []byte(expired)})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCertificateAuthenticator(t *testing.T) {
	a := &CertificateAuthenticator{Next: NewStaticAuthenticator(nil)}
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "meter-7"}}

	id, err := a.Authenticate(context.Background(), Credentials{ClientID: "m7", ClientCert: cert})
	require.NoError(t, err)
	assert.Equal(t, "meter-7", *id.Username)

	_, err = a.Authenticate(context.Background(), Credentials{ClientID: "m7"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestAllowAnonymous(t *testing.T) {
	id, err := AllowAnonymous{}.Authenticate(context.Background(), Credentials{ClientID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", id.ClientID)
	assert.Nil(t, id.Username)
}
