package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gigchat/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// writeConfig points the -config flag at a fresh relay config in a temp dir.
func writeConfig(t *testing.T, port int, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	body := fmt.Sprintf(`{
		"log_level": "warn",
		"relay": {"port": %d, "database_path": %q, "seed_demo": true%s},
		"media": {"storage_dir": %q}
	}`, port, filepath.Join(dir, "relay.db"), extra, filepath.Join(dir, "media"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	old := *configPath
	*configPath = path
	t.Cleanup(func() { *configPath = old })
	return dir
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	dir := writeConfig(t, port, "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/conversations/demo", port)
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("X-User-ID", "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	db, err := database.New(filepath.Join(dir, "relay.db"), database.Options{})
	require.NoError(t, err)
	defer db.Close()
	_, err = db.GetConversation(context.Background(), "demo")
	assert.NoError(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	old := *configPath
	*configPath = filepath.Join(t.TempDir(), "missing.json")
	defer func() { *configPath = old }()

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRun_InvalidRejectSeverity(t *testing.T) {
	writeConfig(t, freePort(t), `, "reject_severity": "extreme"`)

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRun_EncryptionNeedsSecret(t *testing.T) {
	writeConfig(t, freePort(t), `, "encrypt_at_rest": true`)
	t.Setenv(database.SecretEnvVar, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize database")
}

func TestSetLogLevel(t *testing.T) {
	logger := logrus.New()

	setLogLevel(logger, "error")
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())

	setLogLevel(logger, "nonsense")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	*verbose = true
	defer func() { *verbose = false }()
	setLogLevel(logger, "error")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
