package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsRouter(origins string) *gin.Engine {
	r := gin.New()
	r.Use(CORS(origins))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORSWildcard(t *testing.T) {
	w := do(corsRouter("*"), http.MethodGet, "/x", "", map[string]string{"Origin": "http://a.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSListedOrigins(t *testing.T) {
	r := corsRouter("http://a.example, http://b.example")

	w := do(r, http.MethodGet, "/x", "", map[string]string{"Origin": "http://b.example"})
	assert.Equal(t, "http://b.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, "/x", "", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	w := do(corsRouter("*"), http.MethodOptions, "/x", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key")
}
