package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuramp/internal/load/report"
	"github.com/wesleyorama2/vuramp/internal/load/runner"
	"github.com/wesleyorama2/vuramp/internal/load/workload"
	"github.com/wesleyorama2/vuramp/internal/target"
)

const contactsConfig = `name: contacts-e2e
tick: 10ms
gracefulStop: 2s
startConcurrency: 2
stages:
  - duration: 200ms
    target: 2
  - duration: 50ms
    target: 0
workloads:
  - name: contacts
settings:
  baseUrl: %s
  contactsPerIteration: 2
thresholds:
  contacts_created:
    - count > 0
  http_req_failed:
    - rate < 0.01
`

func TestRunContactsAgainstTarget(t *testing.T) {
	api := target.New(target.Options{})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(contactsConfig, srv.URL))
	outPath := filepath.Join(t.TempDir(), "run.json")

	code, _, stderr := execute("run", "-c", cfgPath, "-q", "--log-level", "error", "--out", outPath)
	require.Equal(t, runner.ExitPassed, code, "stderr: %s", stderr)

	rep, err := report.ReadFile(outPath)
	require.NoError(t, err)
	assert.Empty(t, rep.Errors)

	created := rep.Metrics[workload.MetricContactsCreated]
	st := api.Stats()
	assert.Positive(t, st.Users)
	assert.Equal(t, 2*st.Users, st.Contacts)
	assert.Equal(t, int64(st.Contacts), created.Count)
}

func TestRunContactsUnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(contactsConfig, url))
	code, _, _ := execute("run", "-c", cfgPath, "-q", "--log-level", "error")
	assert.Equal(t, runner.ExitRunError, code)
}

func TestServeTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveTarget(ctx, ln, target.New(target.Options{}), zap.NewNop())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("target did not shut down")
	}
}

func TestTargetFlags(t *testing.T) {
	code, _, stderr := execute("target", "--error-rate", "2")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--error-rate must be between 0 and 1")
}
