package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arborkit/arbor/ordkey"
	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/tree"
	"github.com/arborkit/arbor/treesvc"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
)

type Handlers struct {
	svc *treesvc.Service
	log *slog.Logger
}

func NewHandlers(svc *treesvc.Service) *Handlers {
	return &Handlers{
		svc: svc,
		log: slog.Default().With("system", "handlers"),
	}
}

// Register mounts every route on e.
func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/_health", h.Health)

	e.POST("/entities", h.PostEntity)

	e.GET("/relation", h.GetRelation)
	e.PUT("/relation", h.PutRelation)
	e.DELETE("/relation", h.DeleteRelation)

	e.POST("/move", h.PostMove)
	e.POST("/move-after", h.PostMoveAfter)
	e.POST("/move-before", h.PostMoveBefore)
	e.POST("/cycle", h.PostCycle)

	e.GET("/queue", h.GetQueue)
	e.DELETE("/queue/head", h.DeleteQueueHead)

	e.GET("/sibling", h.GetSibling)
	e.GET("/children", h.GetChildren)
	e.GET("/tree", h.GetTree)
	e.GET("/verify", h.GetVerify)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) fail(c echo.Context, code int, msg string, err error) error {
	if code >= 500 {
		h.log.Error(msg, "err", err, "path", c.Path())
	}
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return c.JSON(code, ErrorResponse{Error: msg})
}

func parseID(c echo.Context, name string) (relation.EntityID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, errors.New("missing " + name)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return relation.EntityID(v), nil
}

type HealthStatus struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Message  string `json:"msg,omitempty"`
	Siblings *int   `json:"siblings,omitempty"`
	Parents  *int   `json:"parents,omitempty"`
	Pending  *int   `json:"pending,omitempty"`
}

func (h *Handlers) Health(c echo.Context) error {
	s := HealthStatus{
		Status:  "ok",
		Version: versioninfo.Short(),
	}
	stats := h.svc.Stats()
	if stats.Broken {
		s.Status = "error"
		s.Message = "tree index is broken"
	}
	if c.QueryParam("stats") == "true" {
		pending := len(h.svc.Pending())
		s.Siblings = &stats.Siblings
		s.Parents = &stats.Parents
		s.Pending = &pending
	}
	if stats.Broken {
		return c.JSON(http.StatusServiceUnavailable, s)
	}
	return c.JSON(http.StatusOK, s)
}

type EntityResponse struct {
	ID uint64 `json:"id"`
}

func (h *Handlers) PostEntity(c echo.Context) error {
	id, err := h.svc.NewEntity(c.Request().Context())
	if err != nil {
		return h.fail(c, http.StatusInternalServerError, "failed to create entity", err)
	}
	return c.JSON(http.StatusCreated, EntityResponse{ID: uint64(id)})
}

type RelationBody struct {
	ID     uint64  `json:"id"`
	Parent uint64  `json:"parent"`
	Key    *uint32 `json:"key,omitempty"`
	Hint   *uint8  `json:"hint,omitempty"`
}

func (h *Handlers) GetRelation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	rel, ok, err := h.svc.Relation(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, http.StatusInternalServerError, "failed to read relation", err)
	}
	if !ok {
		return h.fail(c, http.StatusNotFound, "relation not found", nil)
	}
	key := uint32(rel.Key)
	return c.JSON(http.StatusOK, RelationBody{ID: uint64(id), Parent: uint64(rel.Parent), Key: &key})
}

func (h *Handlers) PutRelation(c echo.Context) error {
	var body RelationBody
	if err := c.Bind(&body); err != nil {
		return h.fail(c, http.StatusBadRequest, "invalid body", err)
	}
	if body.ID == 0 {
		return h.fail(c, http.StatusBadRequest, "missing id", nil)
	}
	if body.Key != nil && body.Hint != nil {
		return h.fail(c, http.StatusBadRequest, "key and hint are exclusive", nil)
	}

	var rel relation.ChildOf
	switch {
	case body.Key != nil:
		rel = relation.ChildOf{Parent: relation.EntityID(body.Parent), Key: ordkey.Key(*body.Key)}
	case body.Hint != nil:
		rel = relation.NewChildOf(relation.EntityID(body.Parent), *body.Hint)
	default:
		rel = relation.NewChildOf(relation.EntityID(body.Parent), 0)
	}

	if err := h.svc.SetRelation(c.Request().Context(), relation.EntityID(body.ID), rel); err != nil {
		return h.fail(c, http.StatusInternalServerError, "failed to write relation", err)
	}
	key := uint32(rel.Key)
	return c.JSON(http.StatusOK, RelationBody{ID: body.ID, Parent: body.Parent, Key: &key})
}

func (h *Handlers) DeleteRelation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	if err := h.svc.DeleteRelation(c.Request().Context(), id); err != nil {
		return h.fail(c, http.StatusInternalServerError, "failed to delete relation", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type MoveBody struct {
	Target uint64 `json:"target"`
	A      uint64 `json:"a,omitempty"`
	B      uint64 `json:"b,omitempty"`
}

type QueuedResponse struct {
	Pending int `json:"pending"`
}

func (h *Handlers) enqueue(c echo.Context, build func(MoveBody) (tree.Command, error)) error {
	var body MoveBody
	if err := c.Bind(&body); err != nil {
		return h.fail(c, http.StatusBadRequest, "invalid body", err)
	}
	if body.Target == 0 {
		return h.fail(c, http.StatusBadRequest, "missing target", nil)
	}
	cmd, err := build(body)
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	for _, id := range cmd.Refs() {
		_, ok, err := h.svc.Relation(c.Request().Context(), id)
		if err != nil {
			return h.fail(c, http.StatusInternalServerError, "failed to read relation", err)
		}
		if !ok {
			return h.fail(c, http.StatusNotFound, "no relation for entity "+strconv.FormatUint(uint64(id), 10), nil)
		}
	}
	h.svc.Enqueue(cmd)
	return c.JSON(http.StatusAccepted, QueuedResponse{Pending: len(h.svc.Pending())})
}

func (h *Handlers) PostMove(c echo.Context) error {
	return h.enqueue(c, func(b MoveBody) (tree.Command, error) {
		if b.A == 0 || b.B == 0 {
			return tree.Command{}, errors.New("move needs a and b")
		}
		return tree.Move(relation.EntityID(b.Target), relation.EntityID(b.A), relation.EntityID(b.B)), nil
	})
}

func (h *Handlers) PostMoveAfter(c echo.Context) error {
	return h.enqueue(c, func(b MoveBody) (tree.Command, error) {
		if b.A == 0 {
			return tree.Command{}, errors.New("move-after needs a")
		}
		return tree.MoveAfter(relation.EntityID(b.Target), relation.EntityID(b.A)), nil
	})
}

func (h *Handlers) PostMoveBefore(c echo.Context) error {
	return h.enqueue(c, func(b MoveBody) (tree.Command, error) {
		if b.B == 0 {
			return tree.Command{}, errors.New("move-before needs b")
		}
		return tree.MoveBefore(relation.EntityID(b.Target), relation.EntityID(b.B)), nil
	})
}

type CommandBody struct {
	Kind   string `json:"kind"`
	Target uint64 `json:"target"`
	A      uint64 `json:"a,omitempty"`
	B      uint64 `json:"b,omitempty"`
}

func commandBody(cmd tree.Command) CommandBody {
	return CommandBody{
		Kind:   cmd.Kind.String(),
		Target: uint64(cmd.Target),
		A:      uint64(cmd.A),
		B:      uint64(cmd.B),
	}
}

func commandBodies(cmds []tree.Command) []CommandBody {
	out := make([]CommandBody, len(cmds))
	for i, cmd := range cmds {
		out[i] = commandBody(cmd)
	}
	return out
}

type QueueResponse struct {
	Pending   []CommandBody `json:"pending"`
	Discarded []CommandBody `json:"discarded"`
}

func (h *Handlers) GetQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, QueueResponse{
		Pending:   commandBodies(h.svc.Pending()),
		Discarded: commandBodies(h.svc.Discarded()),
	})
}

// DeleteQueueHead discards the command at the head of the queue so that the
// commands behind it can be applied.
func (h *Handlers) DeleteQueueHead(c echo.Context) error {
	cmd, ok := h.svc.DiscardHead()
	if !ok {
		return h.fail(c, http.StatusNotFound, "queue is empty", nil)
	}
	return c.JSON(http.StatusOK, commandBody(cmd))
}

type CycleResponse struct {
	treesvc.CycleResult
	Error string `json:"error,omitempty"`
}

func (h *Handlers) PostCycle(c echo.Context) error {
	res, err := h.svc.Cycle(c.Request().Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, tree.ErrMissingRelation) && !errors.Is(err, tree.ErrCorruptIndex) {
			code = http.StatusConflict
		}
		if code >= 500 {
			h.log.Error("cycle failed", "err", err)
		}
		return c.JSON(code, CycleResponse{CycleResult: res, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, CycleResponse{CycleResult: res})
}

type SiblingRef struct {
	ID  uint64 `json:"id"`
	Key uint32 `json:"key"`
}

type SiblingResponse struct {
	ID     uint64      `json:"id"`
	Parent uint64      `json:"parent"`
	Key    uint32      `json:"key"`
	Prev   *SiblingRef `json:"prev,omitempty"`
	Next   *SiblingRef `json:"next,omitempty"`
}

func siblingRef(s *tree.SiblingID) *SiblingRef {
	if s == nil {
		return nil
	}
	return &SiblingRef{ID: uint64(s.ID), Key: uint32(s.Key)}
}

func (h *Handlers) GetSibling(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	si, ok := h.svc.Sibling(id)
	if !ok {
		return h.fail(c, http.StatusNotFound, "sibling index not found", nil)
	}
	return c.JSON(http.StatusOK, SiblingResponse{
		ID:     uint64(id),
		Parent: uint64(si.Parent),
		Key:    uint32(si.Self.Key),
		Prev:   siblingRef(si.Prev),
		Next:   siblingRef(si.Next),
	})
}

type ChildrenResponse struct {
	Parent   uint64       `json:"parent"`
	Children []SiblingRef `json:"children"`
}

func (h *Handlers) GetChildren(c echo.Context) error {
	parent, err := parseID(c, "parent")
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	pi, ok := h.svc.Children(parent)
	if !ok {
		return h.fail(c, http.StatusNotFound, "parent index not found", nil)
	}
	out := ChildrenResponse{
		Parent:   uint64(parent),
		Children: make([]SiblingRef, len(pi.Children)),
	}
	for i, s := range pi.Children {
		out.Children[i] = SiblingRef{ID: uint64(s.ID), Key: uint32(s.Key)}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetTree(c echo.Context) error {
	root, err := parseID(c, "root")
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error(), nil)
	}
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, h.svc.Render(root))
	}
	return c.JSON(http.StatusOK, h.svc.Subtree(root))
}

func (h *Handlers) GetVerify(c echo.Context) error {
	if err := h.svc.Verify(c.Request().Context()); err != nil {
		if errors.Is(err, tree.ErrInvariant) || errors.Is(err, tree.ErrCorruptIndex) || errors.Is(err, tree.ErrBroken) {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		}
		return h.fail(c, http.StatusInternalServerError, "failed to verify index", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
