package workload

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Settings are shared by every built-in workload of a run.
type Settings struct {
	BaseURL              string
	Timeout              time.Duration
	ContactsPerIteration int
	UserAgent            string
	Headers              map[string]string

	// Client is used for HTTP workloads. When nil a client with Timeout is
	// created.
	Client Doer
}

func (s Settings) client() Doer {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: s.Timeout}
}

// Options are the free-form per-workload options from the config file.
type Options map[string]any

// Duration reads key as a duration. Strings use Go duration syntax; numbers
// are milliseconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("option %s: unsupported duration %v (%T)", key, v, v)
	}
}

// Float reads key as a number.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: unsupported number %v (%T)", key, v, v)
	}
}

// Int reads key as an integer.
func (o Options) Int(key string, def int) (int, error) {
	f, err := o.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("option %s: %v is not an integer", key, f)
	}
	return int(f), nil
}

// String reads key as a string.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Factory builds a workload function from settings and options.
type Factory func(settings Settings, options Options) (Func, error)

// Registry maps workload names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in workloads.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("sleep", NewSleep)
	r.Register("contacts", NewContacts)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the named workload.
func (r *Registry) Build(name string, weight int, settings Settings, options Options) (Workload, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return Workload{}, fmt.Errorf("unknown workload %q (available: %v)", name, r.Names())
	}

	fn, err := f(settings, options)
	if err != nil {
		return Workload{}, fmt.Errorf("workload %s: %w", name, err)
	}
	return Workload{Name: name, Weight: weight, Fn: fn}, nil
}
