package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"posting-video-pipeline/dispatch"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*types.Summary, error)
}

type Server struct {
	dispatcher Dispatcher
	log        zerolog.Logger
}

// New creates a new Server around d.
func New(d Dispatcher, log zerolog.Logger) *Server {
	return &Server{dispatcher: d, log: logging.Stage(log, "server")}
}

// Router builds the gin engine. A nil keyFunc leaves /invoke unauthenticated.
func (s *Server) Router(keyFunc jwt.Keyfunc) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	if keyFunc != nil {
		router.Use(AuthMiddleware(keyFunc))
	}
	router.GET("/health", s.health)
	router.POST("/invoke", s.invoke)
	return router, nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) invoke(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sum, err := s.dispatcher.Dispatch(c.Request.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrUnknownAction), errors.Is(err, dispatch.ErrMissingIDs):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		s.log.Error().Err(err).Str("action", req.Action).Msg("dispatch aborted")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": sum})
	default:
		c.JSON(http.StatusOK, sum)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}
