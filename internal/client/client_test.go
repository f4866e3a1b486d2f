package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matst80/backhaul/internal/config"
	"github.com/matst80/backhaul/internal/obs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cr3t"

func TestMain(m *testing.M) {
	obs.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func listen(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.(*net.TCPListener)
}

func acceptConn(t *testing.T, ln *net.TCPListener) net.Conn {
	t.Helper()
	require.NoError(t, ln.SetDeadline(time.Now().Add(5*time.Second)))
	c, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was left open")
	}
}

func testConfig(t *testing.T, relayAddr, localAddr string) *config.Config {
	t.Helper()
	host, port, err := net.SplitHostPort(relayAddr)
	require.NoError(t, err)
	p, err := strconv.ParseUint(port, 10, 16)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.PublicHost = host
	cfg.PublicPort = uint16(p)
	cfg.LocalAddr = localAddr
	cfg.Secret = secret
	cfg.Client.RetryInterval = 10 * time.Millisecond
	cfg.Client.MaxRetryInterval = 40 * time.Millisecond
	return cfg
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startClient(t *testing.T, cfg *config.Config, opts ...Option) (chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfg, opts...).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return done, cancel
}

// scriptDialer counts dials per address and lets a test decide the outcome.
type scriptDialer struct {
	mu    sync.Mutex
	dials map[string]int
	dial  func(n int, addr string) (net.Conn, error)
}

func newScriptDialer(dial func(n int, addr string) (net.Conn, error)) *scriptDialer {
	return &scriptDialer{dials: map[string]int{}, dial: dial}
}

func (d *scriptDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials[addr]++
	n := d.dials[addr]
	d.mu.Unlock()
	return d.dial(n, addr)
}

func (d *scriptDialer) count(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

func TestClientForwardsThroughRelay(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	startClient(t, testConfig(t, relayLn.Addr().String(), localLn.Addr().String()))

	tunnelConn := acceptConn(t, relayLn)
	assert.Equal(t, secret, string(readN(t, tunnelConn, len(secret))))

	req := "GET /\r\n\r\n"
	_, err := tunnelConn.Write([]byte(req))
	require.NoError(t, err)
	local := acceptConn(t, localLn)
	assert.Equal(t, req, string(readN(t, local, len(req))))

	resp := "HTTP/1.0 200 OK\r\n\r\nhi"
	_, err = local.Write([]byte(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, string(readN(t, tunnelConn, len(resp))))
}

func TestClientRedialsAfterPairEnds(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	before := testutil.ToFloat64(obs.PairsTotal.WithLabelValues(obs.RoleClient))
	startClient(t, testConfig(t, relayLn.Addr().String(), localLn.Addr().String()))

	first := acceptConn(t, relayLn)
	readN(t, first, len(secret))
	local := acceptConn(t, localLn)
	_, err := first.Write([]byte("x"))
	require.NoError(t, err)
	readN(t, local, 1)

	require.NoError(t, local.Close())
	expectClosed(t, first)

	second := acceptConn(t, relayLn)
	assert.Equal(t, secret, string(readN(t, second, len(secret))))
	assert.Equal(t, before+1, testutil.ToFloat64(obs.PairsTotal.WithLabelValues(obs.RoleClient)))
}

func TestClientRetriesUnreachableRelay(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	relayAddr := relayLn.Addr().String()
	before := testutil.ToFloat64(obs.DialFailuresTotal.WithLabelValues(targetRelay))

	d := newScriptDialer(func(n int, addr string) (net.Conn, error) {
		if addr == relayAddr && n <= 3 {
			return nil, errors.New("connection refused")
		}
		return net.Dial("tcp", addr)
	})
	start := time.Now()
	startClient(t, testConfig(t, relayAddr, localLn.Addr().String()), WithDialer(d))

	c := acceptConn(t, relayLn)
	assert.Equal(t, secret, string(readN(t, c, len(secret))))
	// 10ms, 20ms and 40ms between the failed attempts.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Equal(t, 4, d.count(relayAddr))
	assert.Equal(t, before+3, testutil.ToFloat64(obs.DialFailuresTotal.WithLabelValues(targetRelay)))
}

func TestClientClosesRelayWhenLocalUnavailable(t *testing.T) {
	relayLn := listen(t)
	before := testutil.ToFloat64(obs.DialFailuresTotal.WithLabelValues(targetLocal))
	startClient(t, testConfig(t, relayLn.Addr().String(), closedAddr(t)))

	first := acceptConn(t, relayLn)
	readN(t, first, len(secret))
	expectClosed(t, first)

	second := acceptConn(t, relayLn)
	assert.Equal(t, secret, string(readN(t, second, len(secret))))
	assert.GreaterOrEqual(t, testutil.ToFloat64(obs.DialFailuresTotal.WithLabelValues(targetLocal)), before+1)
}

func TestClientAbortsWhenHandshakeFails(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1", "127.0.0.1:2")
	d := newScriptDialer(func(n int, addr string) (net.Conn, error) {
		a, b := net.Pipe()
		_ = b.Close()
		return a, nil
	})
	startClient(t, cfg, WithDialer(d))

	require.Eventually(t, func() bool { return d.count(cfg.PublicAddr()) >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, d.count(cfg.LocalAddr), "local service must not be dialed without a handshake")
}

func TestClientWaitsAfterEmptyPair(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	cfg := testConfig(t, relayLn.Addr().String(), localLn.Addr().String())
	cfg.Client.RetryInterval = 200 * time.Millisecond
	cfg.Client.MaxRetryInterval = 200 * time.Millisecond
	startClient(t, cfg)

	first := acceptConn(t, relayLn)
	readN(t, first, len(secret))
	acceptConn(t, localLn)
	closedAt := time.Now()
	require.NoError(t, first.Close())

	second := acceptConn(t, relayLn)
	readN(t, second, len(secret))
	assert.GreaterOrEqual(t, time.Since(closedAt), 150*time.Millisecond)
}

func TestClientRedialsAtOnceAfterIdleTunnelCloses(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	cfg := testConfig(t, relayLn.Addr().String(), localLn.Addr().String())
	cfg.Client.RetryInterval = 300 * time.Millisecond
	cfg.Client.MaxRetryInterval = 300 * time.Millisecond
	startClient(t, cfg)

	first := acceptConn(t, relayLn)
	readN(t, first, len(secret))
	acceptConn(t, localLn)
	// Held longer than the retry interval, like a tunnel whose consumer
	// connected late and left without sending anything.
	time.Sleep(400 * time.Millisecond)
	closedAt := time.Now()
	require.NoError(t, first.Close())

	second := acceptConn(t, relayLn)
	readN(t, second, len(secret))
	assert.Less(t, time.Since(closedAt), 250*time.Millisecond)
}

func TestClientRedialsAtOnceWhenLocalClosesEmptyPair(t *testing.T) {
	relayLn, localLn := listen(t), listen(t)
	cfg := testConfig(t, relayLn.Addr().String(), localLn.Addr().String())
	cfg.Client.RetryInterval = time.Hour
	cfg.Client.MaxRetryInterval = time.Hour
	startClient(t, cfg)

	first := acceptConn(t, relayLn)
	readN(t, first, len(secret))
	local := acceptConn(t, localLn)
	require.NoError(t, local.Close())
	expectClosed(t, first)

	// A consumer that connects and leaves without sending anything must not
	// leave the relay without a tunnel for a retry interval.
	second := acceptConn(t, relayLn)
	assert.Equal(t, secret, string(readN(t, second, len(secret))))
}

func TestClientRunReturnsNilOnCancel(t *testing.T) {
	t.Run("while waiting to retry", func(t *testing.T) {
		cfg := testConfig(t, closedAddr(t), closedAddr(t))
		cfg.Client.RetryInterval = time.Hour
		cfg.Client.MaxRetryInterval = time.Hour
		d := newScriptDialer(func(n int, addr string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		})
		done, cancel := startClient(t, cfg, WithDialer(d))
		require.Eventually(t, func() bool { return d.count(cfg.PublicAddr()) == 1 }, 5*time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("client did not stop")
		}
		done <- nil
	})

	t.Run("while forwarding", func(t *testing.T) {
		relayLn, localLn := listen(t), listen(t)
		done, cancel := startClient(t, testConfig(t, relayLn.Addr().String(), localLn.Addr().String()))

		tunnelConn := acceptConn(t, relayLn)
		readN(t, tunnelConn, len(secret))
		local := acceptConn(t, localLn)

		cancel()
		expectClosed(t, tunnelConn)
		expectClosed(t, local)
		require.NoError(t, <-done)
		done <- nil
	})
}

func TestAttemptErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("retry: %w", &attemptError{stage: "dial_relay", err: cause})

	var ae *attemptError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "dial_relay", ae.stage)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "retry: dial_relay: connection refused", err.Error())
}
