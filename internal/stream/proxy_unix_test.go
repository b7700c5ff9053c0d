//go:build unix

package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/token"
)

// signalWriter reports the first body write so the test can disconnect the
// client mid-stream.
type signalWriter struct {
	*httptest.ResponseRecorder
	once  sync.Once
	wrote chan struct{}
}

func (s *signalWriter) Write(b []byte) (int, error) {
	n, err := s.ResponseRecorder.Write(b)
	s.once.Do(func() { close(s.wrote) })
	return n, err
}

func TestStreamClientDisconnectKillsExtractor(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	bin := filepath.Join(dir, "yt-dlp")
	script := fmt.Sprintf("#!/bin/sh\necho $$ > %q\nwhile true; do echo chunk; sleep 0.05; done\n", pidFile)
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	grace := 500 * time.Millisecond
	ex := extractor.New(bin, "", grace)

	f := newFixture(t, "", "m3u8_native", ex)
	tok := f.issue(t, token.CreateParams{Ext: "mp4"})

	ctx, cancel := context.WithCancel(context.Background())
	w := &signalWriter{ResponseRecorder: httptest.NewRecorder(), wrote: make(chan struct{})}
	done := make(chan Outcome, 1)
	go func() {
		done <- f.proxy.Stream(ctx, w, Request{Token: tok.Value})
	}()

	select {
	case <-w.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("no bytes relayed")
	}
	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stream did not return after client disconnect")
	}
	if !out.Started || out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Err.Class != apierr.ClassUpstreamInterrupted {
		t.Errorf("Err = %v, want upstream interrupted", out.Err)
	}
	if w.Code != http.StatusOK || w.Header().Get("Accept-Ranges") != "none" {
		t.Errorf("code=%d accept-ranges=%q", w.Code, w.Header().Get("Accept-Ranges"))
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(grace + time.Second)
	for syscall.Kill(-pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("extractor process group %d still alive after the grace period", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, release, err := f.tokens.Acquire(tok.Value, ""); err != nil {
		t.Errorf("interrupted stream should not consume the token: %v", err)
	} else {
		release()
	}
}
