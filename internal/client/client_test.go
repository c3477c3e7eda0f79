package client

import (
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

func startDaemon(t *testing.T) string {
	t.Helper()
	st := store.New(storage.Memory())
	require.NoError(t, st.Load(context.Background()))
	h := protocol.NewHandler(st, auth.New(auth.Config{Password: "pw"}))
	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, h)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv.Addr().String()
}

func TestDoAuthenticatesFirst(t *testing.T) {
	addr := startDaemon(t)

	anon := &Client{Addr: addr, Timeout: time.Second}
	reply, err := anon.Do(context.Background(), "LIST")
	require.NoError(t, err)
	require.True(t, IsError(reply))

	c := &Client{Addr: addr, Password: "pw", Timeout: time.Second}
	reply, err = c.Do(context.Background(), "ADD 10:00 echo hi")
	require.NoError(t, err)
	require.Equal(t, "OK: Task #1 added\n", reply)

	reply, err = c.Do(context.Background(), "STATUS")
	require.NoError(t, err)
	require.Contains(t, reply, "Total:1\n")
}

func TestDoWrongPassword(t *testing.T) {
	addr := startDaemon(t)
	c := &Client{Addr: addr, Password: "nope", Timeout: time.Second}
	reply, err := c.Do(context.Background(), "LIST")
	require.Error(t, err)
	require.Equal(t, "ERROR: Invalid password\n", reply)
}

func TestDoDialFailure(t *testing.T) {
	c := &Client{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond}
	_, err := c.Do(context.Background(), "LIST")
	require.Error(t, err)
}
