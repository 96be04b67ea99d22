package target

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func do(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestAPI_ContactFlow(t *testing.T) {
	api := New(Options{})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	creds := map[string]string{"firstName": "A", "lastName": "B", "email": "a@b.test", "password": "pw"}
	status, body := do(t, srv, http.MethodPost, "/users", "", creds)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "a@b.test", gjson.Get(body, "user.email").String())
	assert.False(t, gjson.Get(body, "user.password").Exists())

	status, _ = do(t, srv, http.MethodPost, "/users", "", creds)
	assert.Equal(t, http.StatusBadRequest, status, "duplicate email")

	status, body = do(t, srv, http.MethodPost, "/users/login", "", map[string]string{"email": "a@b.test", "password": "pw"})
	require.Equal(t, http.StatusOK, status)
	token := gjson.Get(body, "token").String()
	require.NotEmpty(t, token)

	status, body = do(t, srv, http.MethodPost, "/contacts", token, map[string]string{"firstName": "C", "lastName": "1"})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, gjson.Get(body, "_id").String())
	assert.Equal(t, "a@b.test", gjson.Get(body, "owner").String())

	status, body = do(t, srv, http.MethodGet, "/contacts", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), gjson.Get(body, "#").Int())

	st := api.Stats()
	assert.Equal(t, 1, st.Users)
	assert.Equal(t, 1, st.Contacts)
	assert.Equal(t, int64(5), st.Requests)
	assert.Zero(t, st.Errors)
}

func TestAPI_Rejections(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	status, _ := do(t, srv, http.MethodPost, "/users/login", "", map[string]string{"email": "x", "password": "y"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, srv, http.MethodPost, "/contacts", "bogus", map[string]string{"firstName": "C", "lastName": "1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, srv, http.MethodPost, "/users", "", map[string]string{"email": "only@email.test"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, http.MethodGet, "/users", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = do(t, srv, http.MethodGet, "/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_HealthAndEcho(t *testing.T) {
	srv := httptest.NewServer(New(Options{}).Handler())
	defer srv.Close()

	status, body := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = do(t, srv, http.MethodGet, "/?q=1", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "GET", gjson.Get(body, "method").String())
	assert.Equal(t, "/?q=1", gjson.Get(body, "url").String())
}

func TestAPI_ErrorInjection(t *testing.T) {
	api := New(Options{ErrorRate: 1})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	for i := 0; i < 3; i++ {
		status, body := do(t, srv, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "injected failure", gjson.Get(body, "error").String())
	}
	assert.Equal(t, int64(3), api.Stats().Errors)
}

func TestAPI_Latency(t *testing.T) {
	srv := httptest.NewServer(New(Options{Latency: 40 * time.Millisecond}).Handler())
	defer srv.Close()

	start := time.Now()
	status, _ := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
