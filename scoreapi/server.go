// Package scoreapi implements D3: a gin-gonic/gin HTTP server exposing the
// Compile API (spec.md §6) over HTTP, grounded on mattdees-guitartutor's
// backend/main.go gin+gin-contrib/cors wiring. Request/response bodies are
// the same ClipNode/CompiledClip shapes the core package defines; scoreapi
// adapts transport only and contains no compilation logic of its own.
package scoreapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"scoretree/internal/compiler"
)

// Server bundles the compile pipeline's default config with an optional
// persistence collaborator; Store is nil unless the caller wires one up
// with WithStore, matching the Compile API's "cache=null ⇒ full compile"
// contract.
type Server struct {
	cfg   compiler.Config
	store Store
}

// Store is the persistence seam scoreapi needs from cachestore without
// importing it directly, keeping scoreapi swappable the same way
// cachestore itself is documented as swappable.
type Store interface {
	Get(hash string) ([]byte, bool, error)
	Put(hash string, blob []byte) error
}

// Option configures a Server.
type Option func(*Server)

// WithCompilerConfig overrides the default compiler.Config.
func WithCompilerConfig(cfg compiler.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithStore wires a persistence collaborator for /incremental-compile.
func WithStore(store Store) Option {
	return func(s *Server) { s.store = store }
}

// NewServer builds a gin.Engine with CORS and the Compile API routes
// mounted, ready for (*gin.Engine).Run.
func NewServer(opts ...Option) *gin.Engine {
	srv := &Server{cfg: compiler.DefaultConfig()}
	for _, opt := range opts {
		opt(srv)
	}

	r := gin.Default()

	originsEnv := os.Getenv("CORS_ORIGINS")
	if originsEnv == "" {
		originsEnv = "*"
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(originsEnv, ","),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	r.GET("/healthz", srv.healthz)
	r.POST("/compile", srv.compile)
	r.POST("/incremental-compile", srv.incrementalCompile)
	r.POST("/estimate", srv.estimate)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

