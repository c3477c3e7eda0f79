package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/auth"
	"taskd/internal/protocol"
	"taskd/internal/server"
	"taskd/internal/storage"
	"taskd/internal/store"
)

func startDaemon(t *testing.T) (string, *store.Store) {
	t.Helper()
	st := store.New(storage.Memory())
	require.NoError(t, st.Load(context.Background()))
	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, protocol.NewHandler(st, auth.New(auth.Config{Password: "pw"})))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv.Addr().String(), st
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAddListModify(t *testing.T) {
	addr, st := startDaemon(t)
	base := []string{"--addr", addr, "--password", "pw", "--timeout", "2s"}

	out, err := run(t, append(base, "add", "09:30", "ls", "-la", "/tmp")...)
	require.NoError(t, err)
	require.Equal(t, "OK: Task #1 added\n", out)
	j, err := st.Get(1)
	require.NoError(t, err)
	require.Equal(t, "ls -la /tmp", j.Command)

	out, err = run(t, append(base, "list")...)
	require.NoError(t, err)
	require.Equal(t, "TASKS: 1\nID:1|CMD:ls -la /tmp|TIME:09:30|STATUS:Pending\nEND\n", out)

	out, err = run(t, append(base, "modify", "1", "-", "echo", "x")...)
	require.NoError(t, err)
	require.Equal(t, "OK: Task modified\n", out)
	j, _ = st.Get(1)
	require.Equal(t, "09:30", j.Schedule)
	require.Equal(t, "echo x", j.Command)

	out, err = run(t, append(base, "info", "1")...)
	require.NoError(t, err)
	require.Contains(t, out, "Command: echo x\n")
}

func TestErrorReplyFailsCommand(t *testing.T) {
	addr, _ := startDaemon(t)
	out, err := run(t, "--addr", addr, "--password", "pw", "delete", "9")
	require.ErrorIs(t, err, errReply)
	require.Equal(t, "ERROR: Task not found\n", out)

	_, err = run(t, "--addr", addr, "info", "abc")
	require.Error(t, err)
}

func TestAuthAndRaw(t *testing.T) {
	addr, _ := startDaemon(t)
	out, err := run(t, "--addr", addr, "auth", "pw")
	require.NoError(t, err)
	require.Equal(t, "OK: Authenticated\n", out)

	// the host stays authorized for later connections
	out, err = run(t, "--addr", addr, "raw", "status")
	require.NoError(t, err)
	require.Contains(t, out, "STATUS:\nTotal:0\n")
}
