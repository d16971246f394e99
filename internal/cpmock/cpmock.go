// Package cpmock is an in-memory control plane for tests and local plugin
// development. It serves get-session, get-frames and custom-frames the way
// the proxy does.
package cpmock

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Prefix is the path the endpoints are mounted under.
const Prefix = "/cgi-bin"

const maxFramesPerPage = 20

// Server is the mock control plane.
type Server struct {
	authKey string
	router  chi.Router

	mu         sync.Mutex
	sessions   map[string]string
	frames     map[string][]*types.Frame
	directives map[string]*controlplane.Directive
	destroyed  map[string]bool
	received   []*types.Frame
	calls      map[string]int
	failNext   int
}

// New creates a mock that requires authKey on every call. An empty key
// disables the check.
func New(authKey string) *Server {
	s := &Server{
		authKey:    authKey,
		sessions:   make(map[string]string),
		frames:     make(map[string][]*types.Frame),
		directives: make(map[string]*controlplane.Directive),
		destroyed:  make(map[string]bool),
		calls:      make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route(Prefix, func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.count)
		r.Get("/"+controlplane.PathGetSession, s.handleGetSession)
		r.Get("/"+controlplane.PathGetFrames, s.handleGetFrames)
		r.Post("/"+controlplane.PathCustomFrames, s.handleCustomFrames)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// PutSession stores the raw session JSON for id.
func (s *Server) PutSession(id, raw string) {
	s.mu.Lock()
	s.sessions[id] = raw
	s.mu.Unlock()
}

// CompleteSession stamps endTime onto the stored session, creating an empty
// one when id is unknown.
func (s *Server) CompleteSession(id string, endTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.sessions[id]
	if !ok {
		raw = "{}"
	}
	out, err := sjson.Set(raw, "endTime", endTime)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	s.sessions[id] = out
	return nil
}

// RemoveSession forgets id; later frame queries report it as closed.
func (s *Server) RemoveSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.frames, id)
	s.mu.Unlock()
}

// AppendFrames adds frames to id's capture list.
func (s *Server) AppendFrames(id string, frames ...*types.Frame) {
	s.mu.Lock()
	for _, f := range frames {
		if f.ReqID == "" {
			f.ReqID = id
		}
	}
	s.frames[id] = append(s.frames[id], frames...)
	s.mu.Unlock()
}

// CloseFrames appends a closing marker to id's capture list.
func (s *Server) CloseFrames(id, frameID string) {
	s.AppendFrames(id, &types.Frame{FrameID: frameID, ReqID: id, Closed: true})
}

// SetDirective sets the directive returned for id. Injected frames are
// delivered once; statuses persist.
func (s *Server) SetDirective(id string, d controlplane.Directive) {
	s.mu.Lock()
	s.directives[id] = &d
	delete(s.destroyed, id)
	s.mu.Unlock()
}

// Destroy makes the next custom-frames response carry null for id.
func (s *Server) Destroy(id string) {
	s.mu.Lock()
	s.destroyed[id] = true
	s.mu.Unlock()
}

// Fail makes the next n calls answer 500.
func (s *Server) Fail(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Received returns every frame posted to custom-frames.
func (s *Server) Received() []*types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Frame, len(s.received))
	copy(out, s.received)
	return out
}

// Calls returns how many requests reached endpoint, failures included.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authKey != "" && r.Header.Get(controlplane.AuthHeader) != s.authKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimPrefix(r.URL.Path, Prefix+"/")
		s.mu.Lock()
		s.calls[endpoint]++
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ids := append(idList(r.URL.Query().Get("reqList")), idList(r.URL.Query().Get("resList"))...)

	out := "{}"
	s.mu.Lock()
	for _, id := range ids {
		raw, ok := s.sessions[id]
		if !ok {
			raw = "null"
		}
		var err error
		if out, err = sjson.SetRaw(out, escapeKey(id), raw); err != nil {
			slog.Debug("cpmock session encode failed", "id", id, "error", err)
		}
	}
	s.mu.Unlock()

	writeRaw(w, out)
}

func (s *Server) handleGetFrames(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("curReqId")
	last := r.URL.Query().Get("lastFrameId")

	s.mu.Lock()
	list, ok := s.frames[id]
	_, known := s.sessions[id]
	var page []*types.Frame
	if ok || known {
		start := 0
		if last != "" {
			for i, f := range list {
				if f.FrameID == last {
					start = i + 1
					break
				}
			}
		}
		page = list[start:]
		if len(page) > maxFramesPerPage {
			page = page[:maxFramesPerPage]
		}
		if page == nil {
			page = []*types.Frame{}
		}
	}
	s.mu.Unlock()

	if page == nil {
		writeRaw(w, `{"frames":null}`)
		return
	}
	writeJSON(w, map[string]any{"frames": page})
}

func (s *Server) handleCustomFrames(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		IDList []string       `json:"idList"`
		Frames []*types.Frame `json:"frames"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := make(map[string]*controlplane.Directive, len(req.IDList))
	s.mu.Lock()
	s.received = append(s.received, req.Frames...)
	for _, id := range req.IDList {
		if s.destroyed[id] {
			resp[id] = nil
			delete(s.destroyed, id)
			continue
		}
		d, ok := s.directives[id]
		if !ok {
			resp[id] = &controlplane.Directive{}
			continue
		}
		out := *d
		resp[id] = &out
		d.ToClient = nil
		d.ToServer = nil
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

func idList(param string) []string {
	var ids []string
	gjson.Parse(param).ForEach(func(_, value gjson.Result) bool {
		ids = append(ids, value.String())
		return true
	})
	return ids
}

var keyEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// escapeKey quotes sjson path syntax. All-digit ids get a ":" prefix so
// they are set as object keys rather than array indexes.
func escapeKey(id string) string {
	key := keyEscaper.Replace(id)
	if id != "" && strings.Trim(id, "0123456789") == "" {
		return ":" + key
	}
	return key
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, string(data))
}

func writeRaw(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := io.WriteString(w, body); err != nil {
		slog.Debug("cpmock response write failed", "error", err)
	}
}
