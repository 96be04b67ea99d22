// Package target is an in-memory contact-management API used as a local
// load target for the contacts workload.
package target

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures an API.
type Options struct {
	// Latency is added to every request
	Latency time.Duration

	// ErrorRate is the fraction of requests answered with 500
	ErrorRate float64

	Log *zap.Logger
}

// Stats counts what the API has served.
type Stats struct {
	Requests int64
	Errors   int64
	Users    int
	Contacts int
}

type user struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password,omitempty"`
}

type contact struct {
	ID        string `json:"_id"`
	Owner     string `json:"owner"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// API serves the contacts endpoints from memory.
type API struct {
	opts Options
	log  *zap.Logger

	requests atomic.Int64
	errors   atomic.Int64

	mu       sync.Mutex
	rnd      *rand.Rand
	users    map[string]user
	tokens   map[string]string
	contacts map[string][]contact
}

// New creates an empty API.
func New(opts Options) *API {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		opts:     opts,
		log:      log.Named("target"),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		users:    make(map[string]user),
		tokens:   make(map[string]string),
		contacts: make(map[string][]contact),
	}
}

// Stats returns the current counters.
func (a *API) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, cs := range a.contacts {
		n += len(cs)
	}
	return Stats{
		Requests: a.requests.Load(),
		Errors:   a.errors.Load(),
		Users:    len(a.users),
		Contacts: n,
	}
}

// Handler returns the HTTP routes:
//
//	POST /users        register, 201 with a token
//	POST /users/login  200 with a token
//	POST /contacts     create a contact, 201
//	GET  /contacts     list the caller's contacts
//	GET  /health       liveness
//	GET  /             request echo
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", a.register)
	mux.HandleFunc("POST /users/login", a.login)
	mux.HandleFunc("POST /contacts", a.authorized(a.createContact))
	mux.HandleFunc("GET /contacts", a.authorized(a.listContacts))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"method": r.Method,
			"url":    r.URL.String(),
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	return a.middleware(mux)
}

func (a *API) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.requests.Add(1)
		if a.opts.Latency > 0 {
			select {
			case <-time.After(a.opts.Latency):
			case <-r.Context().Done():
				return
			}
		}
		if a.injectError() {
			a.errors.Add(1)
			writeJSON(w, http.StatusInternalServerError, errorBody("injected failure"))
			return
		}
		if ce := a.log.Check(zap.DebugLevel, "request"); ce != nil {
			ce.Write(zap.String("method", r.Method), zap.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) injectError() bool {
	if a.opts.ErrorRate <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rnd.Float64() < a.opts.ErrorRate
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var u user
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if u.Email == "" || u.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("email and password are required"))
		return
	}

	a.mu.Lock()
	if _, exists := a.users[u.Email]; exists {
		a.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, errorBody("email address is already in use"))
		return
	}
	a.users[u.Email] = u
	token := a.issueToken(u.Email)
	a.mu.Unlock()

	u.Password = ""
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": u, "token": token})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var creds user
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	a.mu.Lock()
	u, ok := a.users[creds.Email]
	if !ok || u.Password != creds.Password {
		a.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid credentials"))
		return
	}
	token := a.issueToken(u.Email)
	a.mu.Unlock()

	u.Password = ""
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": u, "token": token})
}

// issueToken must be called with mu held.
func (a *API) issueToken(email string) string {
	token := uuid.NewString()
	a.tokens[token] = email
	return token
}

func (a *API) authorized(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		a.mu.Lock()
		email, known := a.tokens[token]
		a.mu.Unlock()
		if !ok || !known {
			writeJSON(w, http.StatusUnauthorized, errorBody("please authenticate"))
			return
		}
		next(w, r, email)
	}
}

func (a *API) createContact(w http.ResponseWriter, r *http.Request, owner string) {
	var c contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if c.FirstName == "" || c.LastName == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("firstName and lastName are required"))
		return
	}
	c.ID = uuid.NewString()
	c.Owner = owner

	a.mu.Lock()
	a.contacts[owner] = append(a.contacts[owner], c)
	a.mu.Unlock()

	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listContacts(w http.ResponseWriter, r *http.Request, owner string) {
	a.mu.Lock()
	out := append([]contact{}, a.contacts[owner]...)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
