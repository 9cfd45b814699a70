// Package e2e drives a claimkv server process through the public client.
//
// Set KV_SERVER_CMD to a shell command that starts the server (for example
// "go run ./cmd/server"), or KV_SERVER_URL to an already running instance.
// Without either the suite is skipped.
package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"
)

type systemUnderTest struct {
	BaseURL  string
	shutdown func()
	restart  func(t *testing.T)
}

func (s *systemUnderTest) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

func (s *systemUnderTest) Restart(t *testing.T) {
	t.Helper()
	if s.restart == nil {
		t.Skip("restart needs process control; set KV_SERVER_CMD")
	}
	s.restart(t)
}

func startSystemUnderTest(t *testing.T) *systemUnderTest {
	t.Helper()

	if cmd := os.Getenv("KV_SERVER_CMD"); cmd != "" {
		sut, err := startExternalServer(t, cmd)
		if err != nil {
			t.Fatalf("start external server: %v", err)
		}
		t.Cleanup(sut.Close)
		return sut
	}

	if url := os.Getenv("KV_SERVER_URL"); url != "" {
		t.Logf("KV_SERVER_URL set; using existing server at %s", url)
		return &systemUnderTest{BaseURL: url}
	}

	t.Skip("neither KV_SERVER_CMD nor KV_SERVER_URL is set")
	return nil
}

func startExternalServer(t *testing.T, cmdStr string) (*systemUnderTest, error) {
	t.Helper()

	dataDir := t.TempDir()
	addr, err := freeAddr()
	if err != nil {
		return nil, fmt.Errorf("pick free addr: %w", err)
	}
	baseURL := "http://" + addr

	launch := func() (*exec.Cmd, error) {
		cmd := exec.Command("/bin/sh", "-c", cmdStr)
		cmd.Env = append(os.Environ(),
			"KV_HTTP_ADDR="+addr,
			"KV_DATA_DIR="+dataDir,
			"KV_COMMITLOG_SYNC=true",
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("cmd start: %w", err)
		}
		if err := waitForReady(baseURL, 30*time.Second); err != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			return nil, fmt.Errorf("wait for ready: %w", err)
		}
		return cmd, nil
	}

	// Interrupt rather than kill so the server flushes its commit log.
	stop := func(cmd *exec.Cmd) {
		if cmd == nil || cmd.Process == nil {
			return
		}
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_, _ = cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	cmd, err := launch()
	if err != nil {
		return nil, err
	}

	return &systemUnderTest{
		BaseURL: baseURL,
		shutdown: func() {
			stop(cmd)
			cmd = nil
		},
		restart: func(t *testing.T) {
			t.Helper()
			stop(cmd)
			next, err := launch()
			if err != nil {
				t.Fatalf("restart server: %v", err)
			}
			cmd = next
		},
	}, nil
}

func waitForReady(baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not ready after %s", baseURL, timeout)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
