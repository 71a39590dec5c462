package coordinator

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/recovery"
	"github.com/openmux/shellmux/internal/registry"
)

// Coordinator is the facade the external CRUD layer talks to. It owns
// no session state itself; every operation delegates to the registry.
type Coordinator struct {
	registry    *registry.Registry
	unsubscribe func()
}

func New(reg *registry.Registry) *Coordinator {
	return &Coordinator{registry: reg}
}

// Start subscribes to registry lifecycle events so the surrounding
// application gets an audit trail of session churn it did not initiate
// (exits, reaps, assistant readiness).
func (c *Coordinator) Start() {
	events, unsubscribe := c.registry.Subscribe()
	c.unsubscribe = unsubscribe

	recovery.Go("coordinator-events", func() {
		for ev := range events {
			switch ev.Kind {
			case registry.EventExited:
				logger.Infof("session %s exited on its own", ev.SessionID)
			case registry.EventReady:
				logger.Infof("session %s ready (%s)", ev.SessionID, ev.Detail)
			default:
				logger.Debugf("session %s: %s %s", ev.SessionID, ev.Kind, ev.Detail)
			}
		}
	})
}

// Stop detaches from the registry's event stream.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// CreateSession creates or restores a session for the triple.
func (c *Coordinator) CreateSession(projectID string, typ models.SessionType, tabName, path, userID string) (*models.Session, error) {
	return c.registry.CreateOrRestore(projectID, typ, tabName, path, userID)
}

// ListSessions returns live and restorable sessions for a project.
func (c *Coordinator) ListSessions(projectID string) []models.Session {
	return c.registry.ListByProject(projectID)
}

// RenameSession changes the tab label.
func (c *Coordinator) RenameSession(sessionID, name string) error {
	return c.registry.Rename(sessionID, name)
}

// CloseSession permanently ends a session.
func (c *Coordinator) CloseSession(sessionID string) error {
	return c.registry.Close(sessionID)
}

// ResizeSession forwards a terminal size change.
func (c *Coordinator) ResizeSession(sessionID string, cols, rows uint16) error {
	return c.registry.Resize(sessionID, cols, rows)
}

// SetFocus records UI focus so the idle reaper spares the session.
func (c *Coordinator) SetFocus(sessionID string, focused bool) error {
	return c.registry.SetFocus(sessionID, focused)
}

// sessionView is the REST shape of a session, enriched with live
// attachment state.
type sessionView struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	UserID      string `json:"userId,omitempty"`
	Type        string `json:"type"`
	TabName     string `json:"tabName"`
	Active      bool   `json:"active"`
	CurrentPath string `json:"currentPath"`
	PID         int    `json:"pid,omitempty"`
	Attached    bool   `json:"attached"`
	BufferDepth int    `json:"bufferDepth"`
}

func (c *Coordinator) view(s models.Session) sessionView {
	return sessionView{
		ID:          s.ID,
		ProjectID:   s.ProjectID,
		UserID:      s.UserID,
		Type:        string(s.Type),
		TabName:     s.TabName,
		Active:      s.Active,
		CurrentPath: s.CurrentPath,
		PID:         s.PID,
		Attached:    c.registry.Attached(s.ID),
		BufferDepth: c.registry.BufferDepth(s.ID),
	}
}

type createRequest struct {
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	TabName   string `json:"tabName"`
	Path      string `json:"path"`
	UserID    string `json:"userId"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type focusRequest struct {
	Focused bool `json:"focused"`
}

// RegisterRoutes mounts the session CRUD surface under router.
func (c *Coordinator) RegisterRoutes(router fiber.Router) {
	router.Post("/sessions", c.handleCreate)
	router.Get("/projects/:projectId/sessions", c.handleList)
	router.Get("/sessions/:id", c.handleGet)
	router.Put("/sessions/:id/name", c.handleRename)
	router.Put("/sessions/:id/size", c.handleResize)
	router.Put("/sessions/:id/focus", c.handleFocus)
	router.Delete("/sessions/:id", c.handleClose)
}

func (c *Coordinator) handleCreate(ctx *fiber.Ctx) error {
	var req createRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "projectId is required")
	}

	typ := models.SessionType(req.Type)
	if typ != models.SessionTypeSystem && typ != models.SessionTypeAssistant {
		return fiber.NewError(fiber.StatusBadRequest, "type must be system or assistant")
	}
	if req.TabName == "" {
		req.TabName = "Terminal"
	}

	session, err := c.CreateSession(req.ProjectID, typ, req.TabName, req.Path, req.UserID)
	if err != nil {
		return mapError(err)
	}

	logger.Infof("created session %s in project %s", session.ID, req.ProjectID)
	return ctx.Status(fiber.StatusCreated).JSON(c.view(*session))
}

func (c *Coordinator) handleList(ctx *fiber.Ctx) error {
	sessions := c.ListSessions(ctx.Params("projectId"))
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, c.view(s))
	}
	return ctx.JSON(views)
}

func (c *Coordinator) handleGet(ctx *fiber.Ctx) error {
	s := c.registry.Get(ctx.Params("id"))
	if s == nil {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return ctx.JSON(c.view(*s))
}

func (c *Coordinator) handleRename(ctx *fiber.Ctx) error {
	var req renameRequest
	if err := ctx.BodyParser(&req); err != nil || req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	if err := c.RenameSession(ctx.Params("id"), req.Name); err != nil {
		return mapError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *Coordinator) handleResize(ctx *fiber.Ctx) error {
	var req resizeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Cols == 0 || req.Rows == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "cols and rows must be positive")
	}
	if err := c.ResizeSession(ctx.Params("id"), req.Cols, req.Rows); err != nil {
		return mapError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *Coordinator) handleFocus(ctx *fiber.Ctx) error {
	var req focusRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := c.SetFocus(ctx.Params("id"), req.Focused); err != nil {
		return mapError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *Coordinator) handleClose(ctx *fiber.Ctx) error {
	if err := c.CloseSession(ctx.Params("id")); err != nil {
		return mapError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	case errors.Is(err, registry.ErrProjectNotFound):
		return fiber.NewError(fiber.StatusNotFound, "project not found")
	case errors.Is(err, models.ErrLimitExceeded):
		return fiber.NewError(fiber.StatusConflict, "session limit reached for project")
	default:
		logger.Errorf("session operation failed: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, "internal error")
	}
}
