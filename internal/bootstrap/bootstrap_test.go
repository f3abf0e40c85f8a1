package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os2200/jdbcsrv/internal/engine/fakeengine"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "server.cfg")
	body := `
		server_name = BOOTTEST ;
		max_activities = 2 ;
		host_port = 0 ;
		server_listens_on = 0 ;
	`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNew_WiresEveryActivity(t *testing.T) {
	path := writeTestConfig(t)
	srv, exitCode, err := New(path, fakeengine.New(), os.Stdin, os.Stdout)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, exitCode)
	assert.Equal(t, "BOOTTEST", srv.SGS.Identity.ServerName)
	assert.Len(t, srv.ICLs, 1)
	assert.NotNil(t, srv.Console)
	assert.Nil(t, srv.UASM, "no user_access_control configured")
	assert.Equal(t, 2, srv.Pool.FreeCount())
}

func TestNew_ConfigError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.cfg")
	require.NoError(t, os.WriteFile(path, []byte("bogus_key = 1 ;\n"), 0o600))

	_, exitCode, err := New(path, fakeengine.New(), os.Stdin, os.Stdout)
	assert.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode)
}

func TestRun_ShutsDownCleanlyOnContextCancel(t *testing.T) {
	path := writeTestConfig(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	srv, _, err := New(path, fakeengine.New(), r, os.Stdout)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ExitCode, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
