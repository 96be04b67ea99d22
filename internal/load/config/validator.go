package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wesleyorama2/vuramp/internal/load/scheduler"
	"github.com/wesleyorama2/vuramp/internal/load/threshold"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the fields with errors, in order.
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("invalid config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("schema.json")
	})
	return compiledSchema, schemaErr
}

// Schema returns the embedded JSON schema of the configuration file.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ValidateDocument checks a decoded JSON document against the embedded
// schema. Structural problems are returned as *ValidationErrors, one entry
// per failing location.
func ValidateDocument(doc interface{}) error {
	sch, err := schema()
	if err != nil {
		return err
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	errs := &ValidationErrors{}
	collectSchemaErrors(verr, errs)
	if !errs.HasErrors() {
		errs.Add("", verr.Error())
	}
	return errs
}

// collectSchemaErrors flattens the leaf causes of a schema failure.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(pointerToField(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// pointerToField turns "/stages/0/target" into "stages[0].target".
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}

	var sb strings.Builder
	for i, part := range strings.Split(ptr, "/") {
		if isIndex(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeDocument converts a YAML-decoded value into the plain JSON data
// model the schema validator expects.
func normalizeDocument(doc interface{}) (interface{}, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate validates the configuration after defaults have been applied.
//
// Returns nil if valid, or a *ValidationErrors containing all errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	switch scheduler.Mode(c.Executor) {
	case "", scheduler.RampingVUs:
		if c.MaxVUs != 0 {
			errs.Add("maxVUs", "only applies to the ramping-arrival-rate executor")
		}
	case scheduler.RampingArrivalRate:
	default:
		errs.Add("executor", fmt.Sprintf("unknown executor %q", c.Executor))
	}
	if c.StartConcurrency < 0 {
		errs.Add("startConcurrency", "cannot be negative")
	}
	if c.MaxVUs < 0 {
		errs.Add("maxVUs", "cannot be negative")
	}
	if c.Tick < 0 {
		errs.Add("tick", "cannot be negative")
	}
	if c.GracefulStop < 0 {
		errs.Add("gracefulStop", "cannot be negative")
	}
	if c.SetupTimeout < 0 {
		errs.Add("setupTimeout", "cannot be negative")
	}
	if c.TeardownTimeout < 0 {
		errs.Add("teardownTimeout", "cannot be negative")
	}

	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i := range c.Stages {
		validateStage(fmt.Sprintf("stages[%d]", i), &c.Stages[i], errs)
	}

	if c.ThinkTime != nil {
		validateThinkTime(c.ThinkTime, errs)
	}

	validateThresholds(c.Thresholds, errs)
	validateWorkloads(c.Workloads, errs)
	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	switch {
	case stage.Duration != "" && stage.DurationMs != nil:
		errs.Add(prefix, "set either duration or durationMs, not both")
	case stage.DurationMs != nil:
		if *stage.DurationMs < 0 {
			errs.Add(prefix+".durationMs", "cannot be negative")
		}
	case stage.Duration == "":
		errs.Add(prefix+".duration", "duration is required")
	default:
		d, err := ParseDurationString(stage.Duration)
		if err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		} else if d < 0 {
			errs.Add(prefix+".duration", "cannot be negative")
		}
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateThinkTime(tt *ThinkTimeConfig, errs *ValidationErrors) {
	if tt.Min < 0 {
		errs.Add("thinkTime.min", "cannot be negative")
	}
	if tt.Max < 0 {
		errs.Add("thinkTime.max", "cannot be negative")
	}
	if tt.Max != 0 && tt.Min > tt.Max {
		errs.Add("thinkTime", "min must be less than or equal to max")
	}
}

func validateThresholds(thresholds map[string][]ThresholdConfig, errs *ValidationErrors) {
	metrics := make([]string, 0, len(thresholds))
	for metric := range thresholds {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		if strings.TrimSpace(metric) == "" {
			errs.Add("thresholds", "metric name cannot be empty")
			continue
		}
		for i, tc := range thresholds[metric] {
			field := fmt.Sprintf("thresholds.%s[%d]", metric, i)
			if _, err := threshold.Parse(metric, tc.Expression, tc.AbortOnFail); err != nil {
				errs.Add(field, err.Error())
			}
		}
	}
}

func validateWorkloads(workloads []WorkloadConfig, errs *ValidationErrors) {
	seen := make(map[string]bool, len(workloads))
	for i, w := range workloads {
		prefix := fmt.Sprintf("workloads[%d]", i)
		if w.Name == "" {
			errs.Add(prefix+".name", "name is required")
		} else if seen[w.Name] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate workload %q", w.Name))
		}
		seen[w.Name] = true

		if w.Weight < 0 {
			errs.Add(prefix+".weight", "cannot be negative")
		}
	}
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", "scheme must be http or https")
		}
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.ContactsPerIteration != nil && *s.ContactsPerIteration < 0 {
		errs.Add("settings.contactsPerIteration", "cannot be negative")
	}
}
