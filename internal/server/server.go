// internal/server/server.go
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"whisperer/internal/analyzer"
	"whisperer/internal/usb"
)

// Server exposes an open analyzer over a REST API.
type Server struct {
	analyzer  *analyzer.Analyzer
	startTime time.Time

	mu      sync.Mutex
	capture *analyzer.CaptureStream
	drained chan struct{}

	srv *http.Server
}

// NewServer creates a REST server around an open device.
func NewServer(a *analyzer.Analyzer) *Server {
	return &Server{
		analyzer:  a,
		startTime: time.Now(),
	}
}

// Router builds the gin engine with all API routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/device", s.handleDeviceInfo)
		api.GET("/speeds", s.handleSpeeds)

		api.GET("/power", s.handleGetPower)
		api.PUT("/power", s.handleSetPower)

		api.GET("/trigger/caps", s.handleTriggerCaps)
		api.GET("/trigger/status", s.handleTriggerStatus)
		api.POST("/trigger/control", s.handleTriggerControl)
		api.GET("/trigger/stages/:index", s.handleGetTriggerStage)
		api.POST("/trigger/stages/:index", s.handleSetTriggerStage)
		api.POST("/trigger/arm", s.handleArmTrigger)
		api.POST("/trigger/disarm", s.handleDisarmTrigger)

		api.POST("/capture/start", s.handleCaptureStart)
		api.POST("/capture/stop", s.handleCaptureStop)
		api.GET("/capture/stats", s.handleCaptureStats)
	}

	return router
}

// Run serves the API until Shutdown is called.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	log.Printf("API server listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and any capture it started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	capture := s.capture
	s.capture = nil
	s.mu.Unlock()
	if capture != nil {
		if err := capture.Stop(); err != nil {
			log.Printf("Stopping capture on shutdown: %v", err)
		}
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": uint64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleDeviceInfo(c *gin.Context) {
	major, minor := s.analyzer.ProtocolVersion()
	speeds := make([]string, 0, 4)
	for _, speed := range s.analyzer.SupportedSpeeds() {
		speeds = append(speeds, speed.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"metadata":         s.analyzer.Metadata(),
		"protocol_version": fmt.Sprintf("%d.%d", major, minor),
		"speeds":           speeds,
		"power_sources":    s.analyzer.PowerSources(),
	})
}

func (s *Server) handleSpeeds(c *gin.Context) {
	type speedInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	speeds := make([]speedInfo, 0, 4)
	for _, speed := range s.analyzer.SupportedSpeeds() {
		speeds = append(speeds, speedInfo{Name: speed.String(), Description: speed.Description()})
	}
	c.JSON(http.StatusOK, gin.H{"speeds": speeds})
}

func (s *Server) handleGetPower(c *gin.Context) {
	power := s.analyzer.PowerConfig()
	if power == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "power control not supported"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":  power,
		"sources": s.analyzer.PowerSources(),
	})
}

func (s *Server) handleSetPower(c *gin.Context) {
	var cfg analyzer.PowerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.analyzer.SetPowerConfig(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func (s *Server) handleTriggerCaps(c *gin.Context) {
	caps, err := s.analyzer.TriggerCaps()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (s *Server) handleTriggerStatus(c *gin.Context) {
	status, err := s.analyzer.TriggerStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTriggerControl(c *gin.Context) {
	var control analyzer.TriggerControl
	if err := c.ShouldBindJSON(&control); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.analyzer.SetTriggerControl(control); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"control": control})
}

func (s *Server) stageIndex(c *gin.Context) (uint8, bool) {
	var index uint8
	if _, err := fmt.Sscanf(c.Param("index"), "%d", &index); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stage index"})
		return 0, false
	}
	return index, true
}

func (s *Server) handleGetTriggerStage(c *gin.Context) {
	index, ok := s.stageIndex(c)
	if !ok {
		return
	}
	stage, err := s.analyzer.GetTriggerStage(index)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stage)
}

func (s *Server) handleSetTriggerStage(c *gin.Context) {
	index, ok := s.stageIndex(c)
	if !ok {
		return
	}
	var stage analyzer.TriggerStage
	if err := c.ShouldBindJSON(&stage); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.analyzer.SetTriggerStage(index, stage); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index})
}

func (s *Server) handleArmTrigger(c *gin.Context) {
	if err := s.analyzer.ArmTrigger(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"armed": true})
}

func (s *Server) handleDisarmTrigger(c *gin.Context) {
	if err := s.analyzer.DisarmTrigger(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"armed": false})
}

func (s *Server) handleCaptureStart(c *gin.Context) {
	var req struct {
		Speed string `json:"speed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Speed == "" {
		req.Speed = "auto"
	}
	speed, err := usb.ParseSpeed(req.Speed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "capture already running"})
		return
	}

	capture, err := s.analyzer.StartCapture(speed, func(err error) {
		log.Printf("Capture worker error: %v", err)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.capture = capture
	s.drained = make(chan struct{})

	// Drain the stream so the transfer pool keeps cycling; consumers
	// read the running counters from /capture/stats.
	go func(capture *analyzer.CaptureStream, drained chan struct{}) {
		defer close(drained)
		for {
			if _, ok := capture.Next(); !ok {
				return
			}
		}
	}(capture, s.drained)

	c.JSON(http.StatusOK, gin.H{"speed": speed.String()})
}

func (s *Server) handleCaptureStop(c *gin.Context) {
	s.mu.Lock()
	capture := s.capture
	drained := s.drained
	s.capture = nil
	s.mu.Unlock()

	if capture == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no capture running"})
		return
	}
	if err := capture.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	<-drained
	c.JSON(http.StatusOK, gin.H{"stats": capture.Stats()})
}

func (s *Server) handleCaptureStats(c *gin.Context) {
	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	if capture == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "stats": capture.Stats()})
}
