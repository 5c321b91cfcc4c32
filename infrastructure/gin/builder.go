package gin

import (
	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/jwt"
	"github.com/jonesrussell/curator/infrastructure/logger"
)

// ServerBuilder assembles a Server fluently.
type ServerBuilder struct {
	cfg        Config
	log        logger.Logger
	checks     map[string]HealthCheck
	middleware []gin.HandlerFunc
	routes     func(*gin.Engine)
}

// NewServerBuilder starts a builder for the named service.
func NewServerBuilder(serviceName, address string) *ServerBuilder {
	return &ServerBuilder{
		cfg:    Config{ServiceName: serviceName, Address: address},
		log:    logger.NewNop(),
		checks: make(map[string]HealthCheck),
	}
}

func (b *ServerBuilder) WithLogger(log logger.Logger) *ServerBuilder {
	b.log = log
	return b
}

func (b *ServerBuilder) WithConfig(apply func(*Config)) *ServerBuilder {
	apply(&b.cfg)
	return b
}

func (b *ServerBuilder) WithHealthCheck(name string, check HealthCheck) *ServerBuilder {
	b.checks[name] = check
	return b
}

// WithMiddleware appends global middleware after the standard chain.
func (b *ServerBuilder) WithMiddleware(m ...gin.HandlerFunc) *ServerBuilder {
	b.middleware = append(b.middleware, m...)
	return b
}

func (b *ServerBuilder) WithRoutes(routes func(*gin.Engine)) *ServerBuilder {
	b.routes = routes
	return b
}

func (b *ServerBuilder) Build() *Server {
	cfg := b.cfg
	return newServer(&cfg, b.log, b.checks, b.middleware, b.routes)
}

// ProtectedGroup returns a group that requires a valid bearer token.
func ProtectedGroup(router gin.IRouter, path, secret string) *gin.RouterGroup {
	g := router.Group(path)
	g.Use(jwt.Middleware(secret))
	return g
}
