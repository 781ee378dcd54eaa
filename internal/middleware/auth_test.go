package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, sub string, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func setupRouter(t *testing.T, required bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth := NewAuth(testSecret, zap.NewNop())

	router := gin.New()
	var guard gin.HandlerFunc
	if required {
		guard = auth.RequireAuth()
	} else {
		guard = auth.OptionalAuth()
	}
	router.GET("/probe", guard, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func perform(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewAuth(testSecret, zap.NewNop())
	userID := uuid.New()

	var captured *uuid.UUID
	router := gin.New()
	router.GET("/probe", auth.RequireAuth(), func(c *gin.Context) {
		captured = UserIDFromContext(c)
		c.Status(http.StatusOK)
	})

	rec := perform(router, "Bearer "+signedToken(t, userID.String(), testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, userID, *captured)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	router := setupRouter(t, true)
	rec := perform(router, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsWrongSecret(t *testing.T) {
	router := setupRouter(t, true)
	rec := perform(router, "Bearer "+signedToken(t, uuid.NewString(), "other-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsMalformedHeader(t *testing.T) {
	router := setupRouter(t, true)
	rec := perform(router, "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsNonUUIDSubject(t *testing.T) {
	router := setupRouter(t, true)
	rec := perform(router, "Bearer "+signedToken(t, "not-a-uuid", testSecret))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalAuthAllowsAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewAuth(testSecret, zap.NewNop())

	var captured *uuid.UUID
	seen := false
	router := gin.New()
	router.GET("/probe", auth.OptionalAuth(), func(c *gin.Context) {
		captured = UserIDFromContext(c)
		seen = true
		c.Status(http.StatusOK)
	})

	rec := perform(router, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, seen)
	assert.Nil(t, captured)
}

func TestOptionalAuthRejectsInvalidToken(t *testing.T) {
	router := setupRouter(t, false)
	rec := perform(router, "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalAuthExtractsUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewAuth(testSecret, zap.NewNop())
	userID := uuid.New()

	var captured *uuid.UUID
	router := gin.New()
	router.GET("/probe", auth.OptionalAuth(), func(c *gin.Context) {
		captured = UserIDFromContext(c)
		c.Status(http.StatusOK)
	})

	rec := perform(router, "Bearer "+signedToken(t, userID.String(), testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, userID, *captured)
}
