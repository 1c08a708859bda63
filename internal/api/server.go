// Package api is the HTTP control surface: start/stop the stream server,
// switch device, query status and follow lifecycle events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/internal/mjpeg"
	"github.com/dj-oyu/ipcam-stream/internal/service"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// Service is the subset of service.Service the API drives.
type Service interface {
	StartServer(port int) error
	StopServer() error
	SetDevice(d types.Device) error
	Status() service.Status
	Subscribe() (<-chan lifecycle.Event, func())
	Metrics() *metrics.Metrics
}

// Server serves the control endpoints.
type Server struct {
	svc         Service
	defaultPort int
	log         logger.Module
}

// NewServer returns a control server. defaultPort is used by start requests
// that do not name a port.
func NewServer(svc Service, defaultPort int) *Server {
	return &Server{svc: svc, defaultPort: defaultPort, log: logger.For("API")}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog)

	router.GET("/", s.handleIndex)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.svc.Metrics().Handler()))

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/server/start", s.handleStart)
	api.POST("/server/stop", s.handleStop)
	api.POST("/device", s.handleDevice)
	api.GET("/events", s.handleEvents)

	return router
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.svc.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"listening":       st.Listening,
		"producer_active": st.Lifecycle.ProducerActive,
		"clients":         st.Lifecycle.Clients,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.svc.Status()
	if !wantsProtobuf(c.GetHeader("Accept")) {
		c.JSON(http.StatusOK, st)
		return
	}

	data, err := statusProto(st)
	if err != nil {
		s.log.Error("Encode status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/protobuf", data)
}

func wantsProtobuf(accept string) bool {
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// statusProto encodes the status as a google.protobuf.Struct, so protobuf
// clients get the same field names as the JSON form.
func statusProto(st service.Status) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	pb, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(pb)
}

type startRequest struct {
	Port *int `json:"port"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	port := s.defaultPort
	if req.Port != nil {
		port = *req.Port
	}
	if port < 0 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("port %d out of range", port)})
		return
	}

	err := s.svc.StartServer(port)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.svc.Status())
	case errors.Is(err, mjpeg.ErrAlreadyListening):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": s.svc.Status()})
	case errors.Is(err, service.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		// Bind errors land here; the listener stays stopped.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.svc.StopServer(); err != nil && !errors.Is(err, mjpeg.ErrNotListening) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.svc.Status())
}

type deviceRequest struct {
	Device string `json:"device" binding:"required"`
}

func (s *Server) handleDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device is required"})
		return
	}
	d, ok := types.ParseDevice(req.Device)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown device %q", req.Device)})
		return
	}
	if err := s.svc.SetDevice(d); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": d.String()})
}
