package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krau/stylized/service"
	"github.com/rs/zerolog/log"
)

// Transferer is the part of the engine the HTTP layer needs.
type Transferer interface {
	Submit(req service.Request, exec service.Executor, fn func(service.Outcome))
	Catalog() *service.Catalog
}

type Server struct {
	engine Transferer
	token  string
	blend  float32
}

// New serves engine. An empty token disables authentication; blend is used when
// a request carries a second style without a blend value.
func New(engine Transferer, token string, blend float32) *Server {
	return &Server{engine: engine, token: token, blend: blend}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.POST("/stylize", s.StylizeHandler)
	r.GET("/styles", s.StylesHandler)
	r.GET("/health", HealthHandler)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		start := time.Now()
		c.Next()
		log.Info().
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}
