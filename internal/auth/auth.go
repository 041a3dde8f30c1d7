// Package auth 在创建任何会话状态之前校验 CONNECT 携带的凭据
package auth

import (
	"context"
	"crypto/x509"
	"errors"
)

var (
	ErrBadCredentials = errors.New("auth: bad username or password")
	ErrNotAuthorized  = errors.New("auth: not authorized")
	ErrTokenInvalid   = errors.New("auth: invalid token")
)

type Credentials struct {
	ClientID   string
	Username   *string
	Password   []byte
	ClientCert *x509.Certificate
}

// Identity 认证通过后的客户端身份
type Identity struct {
	ClientID string
	Username *string
}

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}

// AllowAnonymous 接受所有连接
type AllowAnonymous struct{}

func (AllowAnonymous) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	return &Identity{ClientID: creds.ClientID, Username: creds.Username}, nil
}

// CertificateAuthenticator 存在客户端证书时以证书 CN 作为用户名，否则交给 Next
type CertificateAuthenticator struct {
	Next Authenticator
}

func (a *CertificateAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.ClientCert != nil && creds.ClientCert.Subject.CommonName != "" {
		cn := creds.ClientCert.Subject.CommonName
		return &Identity{ClientID: creds.ClientID, Username: &cn}, nil
	}
	return a.Next.Authenticate(ctx, creds)
}
