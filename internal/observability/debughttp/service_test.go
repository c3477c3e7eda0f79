package debughttp

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logx "taskd/pkg/logx"
)

func startService(t *testing.T, cfg Config, opts ...Option) (*Service, string) {
	t.Helper()
	s := New(cfg, logx.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return s, "http://" + s.Addr().String()
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	_, base := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"},
		WithGatherer(reg),
		WithRuns(func() any { return []map[string]int{{"id": 7}} }),
		WithGoroutines(func() any { return map[string]int{"trigger": 1} }),
	)

	code, body := get(t, base+"/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get(t, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "taskd_test_total 3")

	code, body = get(t, base+"/debug/runs", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[{"id":7}]`, body)

	code, body = get(t, base+"/debug/goroutines", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"trigger":1}`, body)

	code, _ = get(t, base+"/debug/pprof/", "")
	require.Equal(t, http.StatusOK, code)
}

func TestTokenRequired(t *testing.T) {
	_, base := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})

	code, _ := get(t, base+"/healthz", "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "s3cret")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/healthz?token=s3cret", "")
	require.Equal(t, http.StatusOK, code)
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(100 * time.Millisecond)
	require.Nil(t, s.Addr())
}

func TestReconfigureDisableStops(t *testing.T) {
	s, _ := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false, Addr: "127.0.0.1:0"})
	require.Nil(t, s.Addr())

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:6060"))
	require.True(t, isLoopbackAddr("localhost:6060"))
	require.True(t, isLoopbackAddr("[::1]:6060"))
	require.False(t, isLoopbackAddr(":6060"))
	require.False(t, isLoopbackAddr("10.0.0.1:6060"))
	require.False(t, isLoopbackAddr("garbage"))
}
