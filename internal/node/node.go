// Package node names the surface every HTTP-serving process exposes.
package node

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Route is one registered method and path.
type Route struct {
	Method string
	Path   string
}

// Routes lists the routes registered on n.
func Routes(n Node) []Route {
	info := n.HTTPRouter().Routes()
	out := make([]Route, 0, len(info))
	for _, r := range info {
		out = append(out, Route{Method: r.Method, Path: r.Path})
	}
	return out
}

// LogRoutes writes one debug line per route of n.
func LogRoutes(logger zerolog.Logger, n Node) {
	for _, r := range Routes(n) {
		logger.Debug().
			Str("node", n.NodeID()).
			Str("kind", n.Kind()).
			Str("method", r.Method).
			Str("path", r.Path).
			Msg("route")
	}
}
