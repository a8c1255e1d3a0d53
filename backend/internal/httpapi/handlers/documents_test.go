package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"blockCollab/backend/internal/auth"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/httpapi/middleware"
	"blockCollab/backend/internal/store"
)

func newRouter(t *testing.T) (*gin.Engine, *auth.JWTValidator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewInMemoryService(store.NewMemoryStore(), nil, collab.ServiceOptions{})
	v, err := auth.NewJWTValidator("test-secret")
	require.NoError(t, err)
	h := NewDocumentHandler(svc)

	r := gin.New()
	r.GET("/healthz", Healthz(svc))
	api := r.Group("/", middleware.AuthMiddleware(v))
	api.POST("/documents", h.CreateDocument)
	api.GET("/documents/:documentID", h.GetDocument)
	return r, v
}

func do(t *testing.T, r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sign(t *testing.T, v *auth.JWTValidator, userID uint64) string {
	t.Helper()
	tok, err := v.Sign(userID, "u", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestCreateAndGetDocument(t *testing.T) {
	r, v := newRouter(t)
	owner := sign(t, v, 1)

	body := `{"title":"Plan","editor":{"blocks":[
		{"key":"a1","text":"Hello","type":"header-one","inlineStyleRanges":[{"offset":0,"length":5,"style":"BOLD"}]},
		{"key":"b2","text":"world"}
	],"entityMap":{}}}`
	w := do(t, r, http.MethodPost, "/documents", owner, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created documentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "Plan", created.Title)
	require.Equal(t, "owner", created.Permission)
	require.Len(t, created.Collaborators, 1)
	require.Len(t, created.Editor.Blocks, 2)
	require.Equal(t, "unstyled", created.Editor.Blocks[1].Type)

	w = do(t, r, http.MethodGet, "/documents/"+created.ID, owner, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	editor := got["editor"].(map[string]any)
	blocks := editor["blocks"].([]any)
	first := blocks[0].(map[string]any)
	require.Equal(t, "a1", first["key"])
	require.Equal(t, float64(0), first["depth"])
	require.Equal(t, []any{}, first["entityRanges"])
	require.Equal(t, map[string]any{}, editor["entityMap"])

	w = do(t, r, http.MethodGet, "/documents/"+created.ID, sign(t, v, 2), "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/documents/nope", owner, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	// 读取不会把文档留在内存里
	w = do(t, r, http.MethodGet, "/healthz", "", "")
	require.JSONEq(t, `{"message":"ok","openDocuments":0}`, w.Body.String())
}

func TestCreateDocumentRejects(t *testing.T) {
	r, v := newRouter(t)
	owner := sign(t, v, 1)

	w := do(t, r, http.MethodPost, "/documents", owner, `{"title":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/documents", owner, `{"editor":{"blocks":[{"key":"toolong"}]}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/documents", owner, `{"editor":{"blocks":[{"key":"a"},{"key":"a"}]}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/documents", owner, `{"title":"`+strings.Repeat("x", 300)+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 空文档也合法
	w = do(t, r, http.MethodPost, "/documents", owner, `{}`)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestAuthRequired(t *testing.T) {
	r, _ := newRouter(t)

	w := do(t, r, http.MethodPost, "/documents", "", `{}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "UNAUTHENTICATED")

	w = do(t, r, http.MethodGet, "/documents/x", "garbage", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"message":"ok","openDocuments":0}`, w.Body.String())
}
