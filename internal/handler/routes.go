package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pavelanni/edufeed/internal/model"
)

// NavRoute is a client-side screen addressable by a path template such as
// "take_quiz/{quizId}/{attemptId}". Role is empty for public screens.
type NavRoute struct {
	Name     string         `json:"name"`
	Template string         `json:"template"`
	Role     model.UserRole `json:"role,omitempty"`
}

// NavRoutes lists every screen a client can deep link to.
var NavRoutes = []NavRoute{
	{"login", "login", ""},
	{"register", "register", ""},
	{"teacher_dashboard", "teacher_dashboard/{teacherId}", model.UserRoleTeacher},
	{"create_quiz", "create_quiz/{teacherId}", model.UserRoleTeacher},
	{"quiz_detail", "quiz_detail/{quizId}", model.UserRoleTeacher},
	{"question_bank", "question_bank/{teacherId}", model.UserRoleTeacher},
	{"create_session", "create_session/{teacherId}", model.UserRoleTeacher},
	{"feedback_session", "feedback_session/{sessionId}", model.UserRoleTeacher},
	{"session_results", "session_results/{sessionId}", model.UserRoleTeacher},
	{"student_dashboard", "student_dashboard/{studentId}/{section}", model.UserRoleStudent},
	{"join_quiz", "join_quiz/{studentId}/{section}", model.UserRoleStudent},
	{"take_quiz", "take_quiz/{quizId}/{attemptId}", model.UserRoleStudent},
	{"quiz_result", "quiz_result/{attemptId}", model.UserRoleStudent},
	{"join_session", "join_session/{studentId}/{section}", model.UserRoleStudent},
	{"give_feedback", "give_feedback/{sessionId}/{studentId}", model.UserRoleStudent},
}

func findRoute(name string) (NavRoute, bool) {
	for _, r := range NavRoutes {
		if r.Name == name {
			return r, true
		}
	}
	return NavRoute{}, false
}

func isParam(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// BuildRoute fills the named route's template. Every parameter must be
// given and non-empty; values are path-escaped.
func BuildRoute(name string, params map[string]string) (string, error) {
	route, ok := findRoute(name)
	if !ok {
		return "", fmt.Errorf("unknown route %q", name)
	}
	segs := strings.Split(route.Template, "/")
	for i, seg := range segs {
		p, ok := isParam(seg)
		if !ok {
			continue
		}
		v := params[p]
		if v == "" {
			return "", fmt.Errorf("route %s: missing parameter %s", name, p)
		}
		segs[i] = url.PathEscape(v)
	}
	return strings.Join(segs, "/"), nil
}

// RouteMatch is the result of matching a path against the route table.
type RouteMatch struct {
	Route  NavRoute          `json:"route"`
	Params map[string]string `json:"params"`
}

// MatchRoute finds the route whose template fits path and extracts its
// parameters. A leading slash is ignored.
func MatchRoute(path string) (RouteMatch, bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, route := range NavRoutes {
		tmpl := strings.Split(route.Template, "/")
		if len(tmpl) != len(segs) {
			continue
		}
		params := make(map[string]string)
		matched := true
		for i, t := range tmpl {
			if p, ok := isParam(t); ok {
				v, err := url.PathUnescape(segs[i])
				if err != nil || v == "" {
					matched = false
					break
				}
				params[p] = v
				continue
			}
			if t != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			return RouteMatch{Route: route, Params: params}, true
		}
	}
	return RouteMatch{}, false
}

func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("match")
	if path == "" {
		writeJSON(w, http.StatusOK, NavRoutes)
		return
	}
	m, ok := MatchRoute(path)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: route %s", model.ErrNotFound, path))
		return
	}
	writeJSON(w, http.StatusOK, m)
}
