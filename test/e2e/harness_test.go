package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc holds a running subprocess and its output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// getBinary builds ./cmd/<name> once per test run and returns its path.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "ember-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, cmdName := range []string{"ember", "testserver"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, cmdName), "./cmd/"+cmdName)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startProc(t *testing.T, binary string, env ...string) *proc {
	t.Helper()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return &proc{cmd: cmd, stdout: stdout}
}

// waitHTTP polls url until it answers with want or the startup timeout ends.
func waitHTTP(t *testing.T, url string, want int, p *proc) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not answer %d within %v\noutput:\n%s", url, want, startupTimeout, p.stdout.String())
}
