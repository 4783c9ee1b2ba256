package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/treesvc"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t *testing.T
	e *echo.Echo
}

func newTestServer(t *testing.T) *testServer {
	svc, err := treesvc.New(context.Background(), relation.NewMemStore(), treesvc.Config{})
	require.NoError(t, err)
	e := echo.New()
	NewHandlers(svc).Register(e)
	return &testServer{t: t, e: e}
}

func (s *testServer) do(method, target, body string, out any) int {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func (s *testServer) entity() uint64 {
	var resp EntityResponse
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/entities", "", &resp))
	return resp.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var h HealthStatus
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/_health", "", &h))
	assert.Equal(t, "ok", h.Status)
	assert.Nil(t, h.Siblings)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/_health?stats=true", "", &h))
	require.NotNil(t, h.Siblings)
	assert.Zero(t, *h.Siblings)
}

func TestRelationRoundTrip(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	root := s.entity()
	a := s.entity()

	var rel RelationBody
	assert.Equal(http.StatusNotFound, s.do(http.MethodGet, "/relation?id=2", "", nil))
	assert.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/relation?id=x", "", nil))

	code := s.do(http.MethodPut, "/relation", `{"id":2,"parent":1,"hint":3}`, &rel)
	assert.Equal(http.StatusOK, code)
	assert.Equal(a, rel.ID)
	assert.Equal(root, rel.Parent)
	require.NotNil(t, rel.Key)

	var got RelationBody
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/relation?id=2", "", &got))
	assert.Equal(rel, got)

	assert.Equal(http.StatusBadRequest, s.do(http.MethodPut, "/relation", `{"id":2,"parent":1,"hint":3,"key":5}`, nil))

	assert.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/relation?id=2", "", nil))
	assert.Equal(http.StatusNotFound, s.do(http.MethodGet, "/relation?id=2", "", nil))
}

func TestMoveAndRead(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	root := s.entity()
	a := s.entity()
	b := s.entity()
	tg := s.entity()
	for _, body := range []string{
		`{"id":2,"parent":1,"key":10}`,
		`{"id":3,"parent":1,"key":20}`,
		`{"id":4,"parent":1,"key":30}`,
	} {
		require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/relation", body, nil))
	}

	var q QueuedResponse
	assert.Equal(http.StatusAccepted, s.do(http.MethodPost, "/move", `{"target":4,"a":2,"b":3}`, &q))
	assert.Equal(1, q.Pending)
	assert.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/move", `{"target":4,"a":2}`, nil))
	assert.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/move-after", `{"a":2}`, nil))

	var cyc CycleResponse
	assert.Equal(http.StatusOK, s.do(http.MethodPost, "/cycle", "", &cyc))
	assert.Equal(1, cyc.Commands)
	assert.Empty(cyc.Error)

	var children ChildrenResponse
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/children?parent=1", "", &children))
	assert.Equal(root, children.Parent)
	assert.Equal([]SiblingRef{{ID: a, Key: 10}, {ID: tg, Key: 15}, {ID: b, Key: 20}}, children.Children)
	assert.Equal(http.StatusNotFound, s.do(http.MethodGet, "/children?parent=2", "", nil))

	var sib SiblingResponse
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/sibling?id=4", "", &sib))
	assert.Equal(root, sib.Parent)
	assert.Equal(uint32(15), sib.Key)
	require.NotNil(t, sib.Prev)
	require.NotNil(t, sib.Next)
	assert.Equal(a, sib.Prev.ID)
	assert.Equal(b, sib.Next.ID)

	var nodes []treesvc.Node
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/tree?root=1", "", &nodes))
	assert.Len(nodes, 4)

	req := httptest.NewRequest(http.MethodGet, "/tree?root=1&format=text", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "4 [0000000f]")

	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/verify", "", nil))
}

func TestCycleConflict(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)

	for i := 0; i < 4; i++ {
		s.entity()
	}
	for _, body := range []string{
		`{"id":2,"parent":1,"key":10}`,
		`{"id":3,"parent":1,"key":20}`,
		`{"id":4,"parent":1,"key":30}`,
	} {
		require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/relation", body, nil))
	}

	// ids without a relation are rejected up front
	assert.Equal(http.StatusNotFound, s.do(http.MethodPost, "/move", `{"target":999999,"a":2,"b":3}`, nil))
	assert.Equal(http.StatusNotFound, s.do(http.MethodPost, "/move-before", `{"target":4,"b":1}`, nil))

	// a reference deleted after queueing blocks the queue until discarded
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/move-before", `{"target":2,"b":3}`, nil))
	require.Equal(t, http.StatusAccepted, s.do(http.MethodPost, "/move-after", `{"target":2,"a":4}`, nil))
	require.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/relation?id=3", "", nil))

	for i := 0; i < 2; i++ {
		var cyc CycleResponse
		assert.Equal(http.StatusConflict, s.do(http.MethodPost, "/cycle", "", &cyc))
		assert.Contains(cyc.Error, "entity has no relation")
		assert.Equal(2, cyc.Pending)
		assert.Zero(cyc.Commands)
	}

	var dropped CommandBody
	assert.Equal(http.StatusOK, s.do(http.MethodDelete, "/queue/head", "", &dropped))
	assert.Equal(CommandBody{Kind: "move_before", Target: 2, B: 3}, dropped)

	var q QueueResponse
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/queue", "", &q))
	assert.Equal([]CommandBody{{Kind: "move_after", Target: 2, A: 4}}, q.Pending)
	assert.Equal([]CommandBody{dropped}, q.Discarded)

	var cyc CycleResponse
	assert.Equal(http.StatusOK, s.do(http.MethodPost, "/cycle", "", &cyc))
	assert.Equal(1, cyc.Commands)

	var children ChildrenResponse
	assert.Equal(http.StatusOK, s.do(http.MethodGet, "/children?parent=1", "", &children))
	require.Len(t, children.Children, 2)
	assert.Equal(uint64(4), children.Children[0].ID)
	assert.Equal(uint64(2), children.Children[1].ID)

	assert.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/queue/head", "", nil))
}
