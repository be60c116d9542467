package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bhandras/dumiverse/internal/crypto"
	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *crypto.JWTManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtManager, err := crypto.NewJWTManager([]byte("secret"))
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(jwtManager))
	r.GET("/whoami", func(c *gin.Context) {
		id, _ := GetClientID(c)
		c.String(http.StatusOK, id)
	})
	return r, jwtManager
}

func TestAuthMiddleware(t *testing.T) {
	r, jwtManager := newAuthRouter(t)
	token, err := jwtManager.GenerateToken("stage-left", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing", header: "", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + token, code: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusOK {
				require.Equal(t, "stage-left", w.Body.String())
			} else {
				require.Contains(t, w.Body.String(), `"success":false`)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel(logger.LevelInfo)
	t.Cleanup(func() { logger.SetOutput(nil) })

	r := gin.New()
	r.Use(LoggingMiddleware())
	r.GET("/open", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/percent", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/open?x=1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/percent", nil))
	logger.Sync()

	out := buf.String()
	require.Contains(t, out, "[GET] /open?x=1 - 200")
	require.NotContains(t, out, "/percent")
}
