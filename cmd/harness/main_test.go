package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyn/collab/internal/collab"
	"github.com/wyn/collab/internal/config"
	"github.com/wyn/collab/internal/domain"
	"github.com/wyn/collab/internal/history"
	"github.com/wyn/collab/internal/policy"
	"github.com/wyn/collab/internal/testutil"
)

// startService runs an in-process collab service and returns its port.
func startService(t *testing.T, limits *policy.Limits) int {
	t.Helper()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.ProgressInterval = 5 * time.Millisecond
	cfg.ProgressStep = 25
	cfg.Samples = 200
	cfg.APIUsers = []config.User{{Identity: "simon@collab.coshx", Credential: "pw"}}

	var engine *policy.Engine
	if limits != nil {
		engine, err = policy.NewEngine(context.Background(), policy.DefaultPolicy, *limits)
		require.NoError(t, err)
	}

	srv := collab.NewServer(cfg, engine, testutil.NewTestLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return ts.Listener.Addr().(*net.TCPAddr).Port
}

// execute runs the harness with args and returns stdout, stderr and the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func connectArgs(port int) []string {
	return []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--identity", "simon@collab.coshx",
		"--log-level", "debug",
	}
}

func TestRunCommandCompletes(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "pw")
	dbPath := filepath.Join(t.TempDir(), "history.db")

	args := append(connectArgs(port), "--history-db", dbPath,
		"run", "--portfolio", "book.xml", "--number-runs", "500", "--label", "nightly")
	stdout, _, err := execute(t, args...)
	require.NoError(t, err)

	assert.Contains(t, stdout, "Collab: connected - host [127.0.0.1]")
	assert.Contains(t, stdout, "Collab: started run [run_")
	assert.Contains(t, stdout, "Collab: progress")
	assert.Contains(t, stdout, "Collab: finished [run_")
	assert.Contains(t, stdout, "Percentile")
	assert.NotContains(t, stdout, "pw")

	store, err := history.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStateCompleted, runs[0].State)

	run, err := store.GetRun(context.Background(), runs[0].RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Len(t, run.Result, 4)
}

func TestRunCommandReportsFailedRun(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "pw")

	args := append(connectArgs(port), "run", "--portfolio", "book"+collab.FailingPortfolioSuffix)
	stdout, _, err := execute(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, stdout, "Collab: failed [run_")
}

func TestRunCommandRejectedByService(t *testing.T) {
	port := startService(t, &policy.Limits{MaxNumberRuns: 100})
	t.Setenv("COLLAB_CREDENTIAL", "pw")

	args := append(connectArgs(port), "run", "--portfolio", "book.xml", "--number-runs", "1000")
	stdout, _, err := execute(t, args...)
	assert.ErrorIs(t, err, ErrRunRejected)
	assert.Contains(t, stdout, "Collab: run rejected - run_rejected")
}

func TestRunCommandRejectedLocally(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "pw")
	t.Setenv("COLLAB_MAX_NUMBER_RUNS", "100")

	args := append(connectArgs(port), "run", "--portfolio", "book.xml", "--number-runs", "1000")
	stdout, _, err := execute(t, args...)
	assert.ErrorIs(t, err, policy.ErrTooManyRuns)
	assert.NotContains(t, stdout, "Collab: connected")
}

func TestRunCommandBadCredential(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "wrong")

	args := append(connectArgs(port), "run", "--portfolio", "book.xml")
	stdout, _, err := execute(t, args...)
	require.Error(t, err)
	assert.Equal(t, domain.ProtocolStreamError, domain.TransportErrorKindOf(err))
	assert.Contains(t, stdout, "XMPP Error: xmpp stream error")
}

func TestRunCommandWithoutPortfolio(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "pw")

	_, _, err := execute(t, append(connectArgs(port), "run")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no portfolio selected")
}

func TestRegisterOnce(t *testing.T) {
	port := startService(t, nil)
	t.Setenv("COLLAB_CREDENTIAL", "pw")

	stdout, _, err := execute(t, append(connectArgs(port), "register", "--once")...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Collab: connected")
	assert.Contains(t, stdout, "Collab: disconnected")
}

func TestRegisterRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, _, err = execute(t, append(connectArgs(port), "register", "--once")...)
	require.Error(t, err)
	assert.Equal(t, domain.SocketFailure, domain.TransportErrorKindOf(err))
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := execute(t, "--port", "70000", "register", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "harness "+Version+"\n", stdout)
}
