// Package fakeapi is an in-process entity backend for tests. It speaks the
// REST shape the remote/rest client expects and can be scripted to fail.
package fakeapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Call records one request that reached a handler.
type Call struct {
	Method string
	Type   string
	ID     string
	Body   map[string]any
}

type failure struct {
	status int
	reason string
}

// Server holds entities by type and id.
type Server struct {
	e     *echo.Echo
	token string

	mu       sync.Mutex
	data     map[string]map[string]map[string]any
	fail     map[string][]failure
	calls    []Call
	blockOn  map[string]chan struct{}
	beforeFn func(Call)
}

// New returns a server requiring token as bearer credentials. An empty
// token disables the check.
func New(token string) *Server {
	s := &Server{
		e:       echo.New(),
		token:   token,
		data:    make(map[string]map[string]map[string]any),
		fail:    make(map[string][]failure),
		blockOn: make(map[string]chan struct{}),
	}
	s.e.HideBanner = true
	s.e.Use(middleware.Recover())
	s.e.Use(s.auth)

	g := s.e.Group("/entities")
	g.GET("/:type", s.list)
	g.GET("/:type/:id", s.get)
	g.PATCH("/:type/:id", s.patch)
	g.DELETE("/:type/:id", s.remove)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

// Seed stores doc under type/id, replacing any previous value.
func (s *Server) Seed(typ, id string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[typ] == nil {
		s.data[typ] = make(map[string]map[string]any)
	}
	s.data[typ][id] = clone(doc)
}

// Get returns the stored entity.
func (s *Server) Get(typ, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[typ][id]
	return clone(doc), ok
}

// FailNext makes the next mutation of type/id answer status with reason.
// Calls queue up; each failure is used once.
func (s *Server) FailNext(typ, id string, status int, reason string) {
	s.mu.Lock()
	s.fail[typ+"/"+id] = append(s.fail[typ+"/"+id], failure{status: status, reason: reason})
	s.mu.Unlock()
}

// Block holds every mutation of type/id until the returned func is called.
func (s *Server) Block(typ, id string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blockOn[typ+"/"+id] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.blockOn, typ+"/"+id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// OnMutation runs fn for every PATCH and DELETE before it is applied.
func (s *Server) OnMutation(fn func(Call)) {
	s.mu.Lock()
	s.beforeFn = fn
	s.mu.Unlock()
}

// Calls returns the mutations received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.token != "" && c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+s.token {
			return c.JSON(http.StatusUnauthorized, map[string]string{"reason": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) get(c echo.Context) error {
	doc, ok := s.Get(c.Param("type"), c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"reason": "not found"})
	}
	return c.JSON(http.StatusOK, map[string]any{"data": doc})
}

func (s *Server) list(c echo.Context) error {
	typ := c.Param("type")
	query := c.QueryParams()

	s.mu.Lock()
	ids := make([]string, 0, len(s.data[typ]))
	for id := range s.data[typ] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		doc := s.data[typ][id]
		if matches(doc, query) {
			row := clone(doc)
			row["id"] = id
			out = append(out, row)
		}
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"data": out})
}

func (s *Server) patch(c echo.Context) error {
	var body map[string]any
	// decoded by hand: echo's Bind would merge path params into a map target
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"reason": "invalid body"})
	}
	typ, id := c.Param("type"), c.Param("id")
	if f, ok := s.begin(Call{Method: http.MethodPatch, Type: typ, ID: id, Body: body}); ok {
		return c.JSON(f.status, map[string]string{"reason": f.reason})
	}

	s.mu.Lock()
	doc, ok := s.data[typ][id]
	if !ok {
		s.mu.Unlock()
		return c.JSON(http.StatusNotFound, map[string]string{"reason": "not found"})
	}
	next := clone(doc)
	for k, v := range body {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	s.data[typ][id] = next
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"data": clone(next)})
}

func (s *Server) remove(c echo.Context) error {
	typ, id := c.Param("type"), c.Param("id")
	if f, ok := s.begin(Call{Method: http.MethodDelete, Type: typ, ID: id}); ok {
		return c.JSON(f.status, map[string]string{"reason": f.reason})
	}
	s.mu.Lock()
	_, ok := s.data[typ][id]
	delete(s.data[typ], id)
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"reason": "not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// begin records call, runs the hooks and pops a scripted failure.
func (s *Server) begin(call Call) (failure, bool) {
	k := call.Type + "/" + call.ID
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.beforeFn
	block := s.blockOn[k]
	var f failure
	var failed bool
	if q := s.fail[k]; len(q) > 0 {
		f, s.fail[k], failed = q[0], q[1:], true
	}
	s.mu.Unlock()

	if fn != nil {
		fn(call)
	}
	if block != nil {
		<-block
	}
	return f, failed
}

func matches(doc map[string]any, query map[string][]string) bool {
	for name, want := range query {
		if len(want) == 0 || strings.HasPrefix(name, "_") {
			continue
		}
		got, _ := doc[name].(string)
		if got != want[0] {
			return false
		}
	}
	return true
}

func clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
