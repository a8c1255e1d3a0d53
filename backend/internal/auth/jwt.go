package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrUpstream     = errors.New("auth upstream error")
	ErrEmptySecret  = errors.New("jwt secret is empty")
)

const TokenTypeAccess = "access"

// Principal 通过令牌解析出的调用方
type Principal struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// Validator 校验访问令牌，失败返回 ErrInvalidToken（或包装了它的错误）
type Validator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTValidator 本地 HS256 校验，与签发方共用同一个 secret
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator 空 secret 会让任何人都能伪造令牌，直接拒绝
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

func (v *JWTValidator) Validate(_ context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || claims.UserID == 0 {
		return Principal{}, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	return Principal{UserID: claims.UserID, Username: claims.Username}, nil
}

// Sign 签发访问令牌，本服务不管账号，只在本地开发和测试里用
func (v *JWTValidator) Sign(userID uint64, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
