package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type verifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

// RemoteValidator 调用认证服务的 /v1/auth/verify 校验令牌。
// baseURL 不要带路径，例如 http://localhost:3001
type RemoteValidator struct {
	verifyURL string
	client    *http.Client
	timeout   time.Duration
}

func NewRemoteValidator(baseURL string, client *http.Client) *RemoteValidator {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteValidator{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    client,
		timeout:   1200 * time.Millisecond,
	}
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: build verify request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包括超时 context deadline exceeded
		return Principal{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return Principal{}, ErrInvalidToken
	default:
		return Principal{}, fmt.Errorf("%w: verify returned %d", ErrUpstream, resp.StatusCode)
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Principal{}, fmt.Errorf("%w: invalid verify response: %v", ErrUpstream, err)
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return Principal{}, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	if claims.UserID == 0 {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.UserID, Username: claims.Username}, nil
}

// TokenFromRequest 先取 Authorization: Bearer，取不到再取 ?token=（浏览器的 WebSocket 不能自定义 Header）
func TokenFromRequest(r *http.Request) string {
	if t := ExtractBearer(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
