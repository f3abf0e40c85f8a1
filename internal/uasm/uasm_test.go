package uasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeAccessFile(t *testing.T, path, userID, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	content := "# comment\n\n" + userID + ":" + string(hash) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestSGS() *sgs.SGS {
	return sgs.New(sgs.Identity{ServerName: "TESTSRV"}, sgs.ListenerConfig{Port: 8123}, 2)
}

func TestReload_AndCheckCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.txt")
	writeAccessFile(t, path, "ALICE", "secret")

	m := New(path, newTestSGS())
	require.NoError(t, m.Reload())

	assert.NoError(t, m.CheckCredentials(context.Background(), "ALICE", "secret"))
	assert.Error(t, m.CheckCredentials(context.Background(), "ALICE", "wrong"))
	assert.Error(t, m.CheckCredentials(context.Background(), "BOB", "secret"))
}

func TestReload_MalformedLine_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.txt")
	require.NoError(t, os.WriteFile(path, []byte("not-a-valid-line\n"), 0o600))

	m := New(path, newTestSGS())
	assert.Error(t, m.Reload())
}

func TestRun_PicksUpFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.txt")
	writeAccessFile(t, path, "ALICE", "secret")

	s := newTestSGS()
	m := New(path, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.CheckCredentials(context.Background(), "ALICE", "secret") == nil
	}, time.Second, 10*time.Millisecond)

	writeAccessFile(t, path, "BOB", "hunter2")

	require.Eventually(t, func() bool {
		return m.CheckCredentials(context.Background(), "BOB", "hunter2") == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
