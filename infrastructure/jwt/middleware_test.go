package jwt_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/infrastructure/jwt"
)

const secret = "test-secret"

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(jwt.Middleware(secret))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, jwt.Subject(c)) })
	return r
}

func do(r http.Handler, auth string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidToken(t *testing.T) {
	t.Parallel()

	token, err := jwt.Sign(secret, "user-1", time.Minute)
	require.NoError(t, err)

	w := do(newRouter(), "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())
}

func TestMiddleware_Rejects(t *testing.T) {
	t.Parallel()

	wrongKey, err := jwt.Sign("other", "user-1", time.Minute)
	require.NoError(t, err)
	expired, err := jwt.Sign(secret, "user-1", -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.Sign(secret, "", time.Minute)
	require.NoError(t, err)

	for name, auth := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"wrong key":  "Bearer " + wrongKey,
		"expired":    "Bearer " + expired,
		"no subject": "Bearer " + noSubject,
	} {
		w := do(newRouter(), auth)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}
