package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"greendrake/tuition/internal/api/middleware"
	"greendrake/tuition/internal/auth"
)

const testSecret = "handler-test-secret"

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// harness is a gin engine with the production auth middleware in front of the routes under test.
type harness struct {
	t      *testing.T
	engine *gin.Engine
	school primitive.ObjectID
	user   primitive.ObjectID
}

func newHarness(t *testing.T, register func(authed, admin *gin.RouterGroup)) *harness {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	authed := r.Group("/v1", middleware.AuthMiddleware(testSecret))
	admin := authed.Group("", middleware.AdminMiddleware())
	register(authed, admin)
	return &harness{t: t, engine: r, school: primitive.NewObjectID(), user: primitive.NewObjectID()}
}

func (h *harness) token(isAdmin bool) string {
	tok, err := auth.GenerateJWT(h.user, h.school, isAdmin, testSecret, time.Hour)
	require.NoError(h.t, err)
	return tok
}

// do sends a request as a regular school user.
func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	return h.send(method, path, body, h.token(false))
}

// doAdmin sends a request with an admin token.
func (h *harness) doAdmin(method, path string, body any) *httptest.ResponseRecorder {
	return h.send(method, path, body, h.token(true))
}

func (h *harness) send(method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func httptestPost(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
