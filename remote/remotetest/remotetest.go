// Package remotetest provides an in-memory stand-in for the hosted REST and
// auth endpoints, for use in tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type user struct {
	ID       string
	Email    string
	Password string
}

// Server serves /auth/v1 and /rest/v1 from memory. Rows are kept as decoded
// JSON objects; filters support eq., in.() and is.null.
type Server struct {
	*httptest.Server

	tables   map[string][]map[string]any
	users    map[string]user // by email
	failures map[string]int  // table -> forced status code
	requests map[string]int  // "METHOD table" -> count
	mu       sync.Mutex
	seq      int
}

// New starts a server. Callers must Close it.
func New() *Server {
	s := &Server{
		tables:   make(map[string][]map[string]any),
		users:    make(map[string]user),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", s.handleToken)
	mux.HandleFunc("/auth/v1/signup", s.handleSignup)
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/auth/v1/user", s.handleUser)
	mux.HandleFunc("/rest/v1/", s.handleRest)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddUser registers an account.
func (s *Server) AddUser(id, email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = user{ID: id, Email: email, Password: password}
}

// AccessToken returns the token the server issues for userID.
func AccessToken(userID string) string { return "token-" + userID }

// Seed inserts rows into table as-is.
func (s *Server) Seed(table string, rows ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], toMap(r))
	}
}

// Rows decodes all rows of table into dst, a pointer to a slice.
func (s *Server) Rows(table string, dst any) error {
	s.mu.Lock()
	data, err := json.Marshal(s.tables[table])
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Fail forces every request to table to answer with status. Zero clears it.
func (s *Server) Fail(table string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, table)
		return
	}
	s.failures[table] = status
}

// Requests counts requests by method for table.
func (s *Server) Requests(method, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+table]
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) issue(w http.ResponseWriter, u user) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  AccessToken(u.ID),
		"refresh_token": "refresh-" + u.ID,
		"expires_in":    3600,
		"user":          map[string]string{"id": u.ID, "email": u.Email},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := s.users[body["email"]]
		if !ok || u.Password != body["password"] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		s.issue(w, u)
	case "refresh_token":
		id := strings.TrimPrefix(body["refresh_token"], "refresh-")
		for _, u := range s.users {
			if u.ID == id {
				s.issue(w, u)
				return
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["email"] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[body["email"]]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "user already registered"})
		return
	}
	s.seq++
	u := user{ID: fmt.Sprintf("user-%d", s.seq), Email: body["email"], Password: body["password"]}
	s.users[u.Email] = u
	s.issue(w, u)
}

// caller resolves the bearer token to a user id.
func (s *Server) caller(r *http.Request) (string, bool) {
	id, ok := strings.CutPrefix(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), "token-")
	if !ok {
		return "", false
	}
	for _, u := range s.users {
		if u.ID == id {
			return id, true
		}
	}
	return "", false
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid JWT"})
		return
	}
	for _, u := range s.users {
		if u.ID == id {
			writeJSON(w, http.StatusOK, map[string]string{"id": u.ID, "email": u.Email})
			return
		}
	}
}

func (s *Server) handleRest(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.Method+" "+table]++

	if _, ok := s.caller(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired"})
		return
	}
	if status, ok := s.failures[table]; ok {
		writeJSON(w, status, map[string]string{"message": "forced failure"})
		return
	}

	q := r.URL.Query()
	representation := strings.Contains(r.Header.Get("Prefer"), "return=representation")

	switch r.Method {
	case http.MethodGet:
		rows := s.matching(table, q)
		if order := q.Get("order"); order != "" {
			sortRows(rows, order)
		}
		if n, err := strconv.Atoi(q.Get("limit")); err == nil && n < len(rows) {
			rows = rows[:n]
		}
		writeJSON(w, http.StatusOK, rows)

	case http.MethodPost:
		rows, err := decodeRows(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		for _, row := range rows {
			if id, _ := row["id"].(string); id == "" {
				s.seq++
				row["id"] = fmt.Sprintf("%s-%d", table, s.seq)
			}
			s.tables[table] = append(s.tables[table], row)
		}
		if representation {
			writeJSON(w, http.StatusCreated, rows)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		rows := s.matching(table, q)
		for _, row := range rows {
			for k, v := range patch {
				row[k] = v
			}
		}
		if representation {
			writeJSON(w, http.StatusOK, rows)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		kept := s.tables[table][:0]
		for _, row := range s.tables[table] {
			if !matches(row, q) {
				kept = append(kept, row)
			}
		}
		s.tables[table] = kept
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeRows(body io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		var rows []map[string]any
		return rows, json.Unmarshal(data, &rows)
	}
	row := map[string]any{}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return []map[string]any{row}, nil
}

// matching returns the live row maps so PATCH can edit them in place.
func (s *Server) matching(table string, q url.Values) []map[string]any {
	var out []map[string]any
	for _, row := range s.tables[table] {
		if matches(row, q) {
			out = append(out, row)
		}
	}
	return out
}

func matches(row map[string]any, q url.Values) bool {
	for col, filters := range q {
		switch col {
		case "select", "order", "limit":
			continue
		}
		for _, f := range filters {
			if !matchOne(row[col], f) {
				return false
			}
		}
	}
	return true
}

func matchOne(v any, filter string) bool {
	switch {
	case filter == "is.null":
		return v == nil
	case strings.HasPrefix(filter, "eq."):
		return v != nil && fmt.Sprint(v) == strings.TrimPrefix(filter, "eq.")
	case strings.HasPrefix(filter, "in.("):
		list := strings.TrimSuffix(strings.TrimPrefix(filter, "in.("), ")")
		for _, item := range strings.Split(list, ",") {
			if v != nil && fmt.Sprint(v) == strings.Trim(item, `"`) {
				return true
			}
		}
		return false
	}
	return false
}

func sortRows(rows []map[string]any, order string) {
	col, dir, _ := strings.Cut(order, ".")
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := fmt.Sprint(rows[i][col]), fmt.Sprint(rows[j][col])
		if dir == "desc" {
			return a > b
		}
		return a < b
	})
}
