// Package daemon exposes one engine over a local HTTP API.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"peersync/internal/engine"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	port   int
	stopCh chan struct{}
	onOpen func(workspace string)
}

// NewServer wires the routes for eng. onOpen, when set, is called with the
// workspace of every document created or joined through the API.
func NewServer(eng *engine.Engine, port int, onOpen func(workspace string)) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goJSONSerializer{}
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		engine: eng,
		port:   port,
		stopCh: make(chan struct{}, 1),
		onOpen: onOpen,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// For the entire daemon
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.POST("/stop", s.handleStop)

	// Document lifecycle
	g := s.echo.Group("/documents")
	g.POST("", s.handleInit)
	g.POST("/join", s.handleJoin)
	s.echo.GET("/ticket", s.handleTicket)
	s.echo.GET("/peers", s.handlePeers)

	// Syncing
	s.echo.POST("/sync", s.handleSync)
	s.echo.POST("/auto-sync/start", s.handleAutoStart)
	s.echo.POST("/auto-sync/stop", s.handleAutoStop)
	s.echo.GET("/conflicts", s.handleConflicts)
	s.echo.POST("/conflicts/resolve", s.handleResolve)

	// History and events
	s.echo.GET("/history", s.handleHistory)
	s.echo.GET("/events", s.handleEvents)
}

func (s *Server) Start() {
	go func() {
		addr := "127.0.0.1:" + strconv.Itoa(s.port)
		logger.Log.Info("daemon server started",
			zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("daemon server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.engine.Shutdown(ctx)
	return errors.Join(err, s.echo.Shutdown(ctx))
}

func (s *Server) StopCh() <-chan struct{} {
	return s.stopCh
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// fail maps err onto the response status of its kind.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch syncerr.KindOf(err) {
	case syncerr.KindState:
		status = http.StatusBadRequest
	case syncerr.KindInitialization, syncerr.KindDocument:
		status = http.StatusConflict
	}

	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleStop(c echo.Context) error {
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

type initRequest struct {
	Workspace string `json:"workspace"`
	AutoSync  bool   `json:"auto_sync"`
}

type joinRequest struct {
	Workspace string `json:"workspace"`
	Ticket    string `json:"ticket"`
	AutoSync  bool   `json:"auto_sync"`
}

func (s *Server) handleInit(c echo.Context) error {
	var req initRequest
	if err := c.Bind(&req); err != nil || req.Workspace == "" {
		return badRequest(c, "workspace required")
	}

	ticket, err := s.engine.Init(c.Request().Context(), req.Workspace)
	if err != nil {
		return fail(c, err)
	}

	s.opened(req.Workspace, req.AutoSync)
	return c.JSON(http.StatusCreated, map[string]string{"ticket": ticket})
}

func (s *Server) handleJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil || req.Workspace == "" || req.Ticket == "" {
		return badRequest(c, "workspace and ticket required")
	}

	if err := s.engine.Join(c.Request().Context(), req.Workspace, req.Ticket); err != nil {
		return fail(c, err)
	}

	s.opened(req.Workspace, req.AutoSync)
	return c.JSON(http.StatusCreated, map[string]string{"status": "joined"})
}

func (s *Server) opened(workspace string, auto bool) {
	if s.onOpen != nil {
		s.onOpen(workspace)
	}

	if auto {
		if err := s.engine.StartAutoSync(); err != nil {
			logger.Log.Warn("failed to start auto sync", zap.Error(err))
		}
	}
}

func (s *Server) handleTicket(c echo.Context) error {
	ticket, err := s.engine.Ticket()
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"ticket": ticket})
}

func (s *Server) handlePeers(c echo.Context) error {
	peers := s.engine.Peers()
	if peers == nil {
		peers = []model.PeerInfo{}
	}
	return c.JSON(http.StatusOK, peers)
}

func (s *Server) handleSync(c echo.Context) error {
	summary, err := s.engine.Sync(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleAutoStart(c echo.Context) error {
	if err := s.engine.StartAutoSync(); err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleAutoStop(c echo.Context) error {
	s.engine.StopAutoSync()
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleConflicts(c echo.Context) error {
	conflicts := s.engine.Conflicts()
	if conflicts == nil {
		conflicts = []model.ConflictInfo{}
	}
	return c.JSON(http.StatusOK, conflicts)
}

type resolveRequest struct {
	Path   string `json:"path"`
	Policy string `json:"policy"`
}

func (s *Server) handleResolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return badRequest(c, "path required")
	}

	policy, err := model.ParsePolicy(req.Policy)
	if err != nil {
		return badRequest(c, err.Error())
	}

	summary, err := s.engine.ResolveConflict(c.Request().Context(), req.Path, policy)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleHistory(c echo.Context) error {
	n := 20
	if nStr := c.QueryParam("n"); nStr != "" {
		if parsed, err := strconv.Atoi(nStr); err == nil && parsed > 0 {
			n = parsed
		}
	}

	histories, err := s.engine.History(n)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, histories)
}
