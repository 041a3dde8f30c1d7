package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 设备令牌。ClientID 不为空时只允许该客户端使用
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	ClientID string `json:"client_id,omitempty"`
}

// JWTAuthenticator 把 CONNECT 的密码字段当作 HS256 签名的 JWT
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	if len(creds.Password) == 0 {
		return nil, ErrNotAuthorized
	}
	claims, err := a.Parse(string(creds.Password))
	if err != nil {
		return nil, err
	}
	if claims.ClientID != "" && claims.ClientID != creds.ClientID {
		return nil, fmt.Errorf("%w: token bound to another client", ErrNotAuthorized)
	}
	if creds.Username != nil && *creds.Username != claims.Username {
		return nil, fmt.Errorf("%w: username does not match token", ErrBadCredentials)
	}
	username := claims.Username
	return &Identity{ClientID: creds.ClientID, Username: &username}, nil
}

func (a *JWTAuthenticator) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Username == "" {
		return nil, fmt.Errorf("%w: missing username", ErrTokenInvalid)
	}
	return claims, nil
}

// Sign 签发令牌，供运维命令行使用
func (a *JWTAuthenticator) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
