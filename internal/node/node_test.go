package node

import (
	"bytes"
	"strings"
	"testing"

	"github.com/danmuck/nfcrelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type fakeNode struct {
	router *gin.Engine
}

func (f fakeNode) NodeID() string          { return "relay-test" }
func (f fakeNode) Kind() string            { return "relay" }
func (f fakeNode) HTTPRouter() *gin.Engine { return f.router }

func TestRoutesAndLogRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", func(c *gin.Context) {})
	r.POST("/apdu", func(c *gin.Context) {})
	n := fakeNode{router: r}

	routes := Routes(n)
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}

	var buf bytes.Buffer
	LogRoutes(zerolog.New(&buf).Level(zerolog.DebugLevel), n)
	out := buf.String()
	if !strings.Contains(out, `"path":"/apdu"`) || !strings.Contains(out, `"node":"relay-test"`) {
		t.Fatalf("unexpected route log: %s", out)
	}
}
