package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/composer"
	"github.com/infinigence/octoproxy/pkg/config"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

type Server struct {
	conf  *config.Config
	proxy *composer.Proxy
}

func NewServer(conf *config.Config, proxy *composer.Proxy) *Server {
	return &Server{conf: conf, proxy: proxy}
}

// Router serves the metrics endpoint and proxies every other path.
func (s *Server) Router() *gin.Engine {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog())
	if s.conf.EnableGzip {
		r.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	if s.conf.MetricsPath != "" {
		r.GET(s.conf.MetricsPath, gin.WrapH(s.proxy.Metrics.Handler()))
	}
	r.NoRoute(gin.WrapH(s.proxy.Handler()))
	return r
}

// requestID makes sure every request carries an X-Request-ID, forwarded to the backend
// and echoed to the client.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(octoproxy.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(octoproxy.RequestIDHeader, id)
		}
		c.Writer.Header().Set(octoproxy.RequestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		entry := logrus.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).String(),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request served")
			return
		}
		entry.Info("request served")
	}
}
