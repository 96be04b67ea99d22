package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTP metric names recorded by HTTP workloads.
const (
	MetricHTTPReqDuration = "http_req_duration"
	MetricHTTPReqs        = "http_reqs"
	MetricHTTPReqFailed   = "http_req_failed"
	MetricContactsCreated = "contacts_created"
)

// Contacts runs the business transaction of a contact-management API:
// register a user, log in, create contacts with the bearer token, then
// ping the root endpoint.
type Contacts struct {
	client    Doer
	baseURL   string
	contacts  int
	password  string
	userAgent string
	headers   map[string]string
}

// NewContacts builds the contacts workload.
//
// Options:
//
//	contactsPerIteration: 3    # overrides settings.contactsPerIteration
//	password: s3cret-pass      # password of the registered users
func NewContacts(settings Settings, options Options) (Func, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("settings.baseUrl is required")
	}

	n, err := options.Int("contactsPerIteration", settings.ContactsPerIteration)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("option contactsPerIteration: must not be negative")
	}

	c := &Contacts{
		client:    settings.client(),
		baseURL:   strings.TrimRight(settings.BaseURL, "/"),
		contacts:  n,
		password:  options.String("password", "vuramp-Passw0rd"),
		userAgent: settings.UserAgent,
		headers:   settings.Headers,
	}
	return c.Run, nil
}

type response struct {
	status int
	body   []byte
}

// Run executes one transaction.
func (c *Contacts) Run(ctx context.Context, it *Iteration) error {
	suffix := uuid.NewString()[:8]
	email := fmt.Sprintf("vu%d.it%d.%s@vuramp.test", it.VU, it.Number, suffix)

	resp, err := c.send(ctx, it, "register", http.MethodPost, "/users", "", map[string]string{
		"firstName": "Load",
		"lastName":  "Tester" + strconv.Itoa(it.VU),
		"email":     email,
		"password":  c.password,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !it.Check("register status is 201", resp.status == http.StatusCreated, nil) {
		return fmt.Errorf("register: unexpected status %d", resp.status)
	}

	resp, err = c.send(ctx, it, "login", http.MethodPost, "/users/login", "", map[string]string{
		"email":    email,
		"password": c.password,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !it.Check("login status is 200", resp.status == http.StatusOK, nil) {
		return fmt.Errorf("login: unexpected status %d", resp.status)
	}
	token, err := Extract(resp.body, "$.token")
	if !it.Check("login returned a token", err == nil && token != "", nil) {
		return fmt.Errorf("login: no token in response")
	}

	var failed int
	for i := 0; i < c.contacts; i++ {
		resp, err := c.send(ctx, it, "create_contact", http.MethodPost, "/contacts", token, map[string]string{
			"firstName": "Contact",
			"lastName":  strconv.Itoa(i + 1),
			"email":     fmt.Sprintf("contact%d.%s", i+1, email),
			"phone":     fmt.Sprintf("555%07d", it.Number*100+int64(i)),
		})
		if err != nil {
			failed++
			continue
		}
		created := resp.status == http.StatusCreated
		if created {
			_, idErr := Extract(resp.body, "$._id")
			created = idErr == nil
		}
		if it.Check("contact created", created, nil) {
			it.Add(MetricContactsCreated, 1, nil)
		} else {
			failed++
		}
	}

	resp, err = c.send(ctx, it, "ping", http.MethodGet, "/", "", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	it.Check("ping status is 200", resp.status == http.StatusOK, nil)

	if failed > 0 {
		return fmt.Errorf("%d of %d contacts not created", failed, c.contacts)
	}
	return nil
}

// send performs one request and records its HTTP metrics.
func (c *Contacts) send(ctx context.Context, it *Iteration, name, method, path, token string, payload any) (response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return response{}, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return response{}, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	tags := map[string]string{"name": name, "method": method}
	var phases phaseTimer
	req = req.WithContext(phases.trace(req.Context()))
	start := time.Now()
	resp, err := c.client.Do(req)
	it.Add(MetricHTTPReqs, 1, tags)
	if err != nil {
		it.Duration(MetricHTTPReqDuration, time.Since(start), tags)
		it.Rate(MetricHTTPReqFailed, true, tags)
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	took := time.Since(start)

	tags["status"] = strconv.Itoa(resp.StatusCode)
	it.Duration(MetricHTTPReqDuration, took, tags)
	phases.record(it, tags)
	it.Rate(MetricHTTPReqFailed, err != nil || resp.StatusCode >= 400, tags)
	if err != nil {
		return response{}, fmt.Errorf("read body: %w", err)
	}

	return response{status: resp.StatusCode, body: data}, nil
}

// HealthCheck returns a setup function that fails unless GET baseURL
// answers below 500.
func HealthCheck(client Doer, baseURL string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("target %s unreachable: %w", baseURL, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("target %s unhealthy: status %d", baseURL, resp.StatusCode)
		}
		return nil, nil
	}
}
