// Package extractor runs the external extraction tool (yt-dlp) and turns its
// output into format metadata or a classified failure.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/YannKr/streamgate/internal/model"
)

// Strategy is one named way of invoking the tool.
type Strategy struct {
	Name       string
	AltArgs    bool
	UseCookies bool
}

var (
	StrategyDefault = Strategy{Name: "default"}
	StrategyAltArgs = Strategy{Name: "alt_args", AltArgs: true}
	StrategyCookies = Strategy{Name: "cookies", UseCookies: true}
)

// DefaultStrategies is the fallback ladder, cheapest first.
var DefaultStrategies = []Strategy{StrategyDefault, StrategyAltArgs, StrategyCookies}

// ErrNoCookies is returned for a cookie strategy when no usable cookie file
// is configured.
var ErrNoCookies = errors.New("extractor: no usable cookie file")

const stderrLimit = 64 * 1024

type Extractor struct {
	Binary        string
	CookiesFile   string
	SocketTimeout time.Duration
	KillGrace     time.Duration
	Agents        *UserAgents

	now func() time.Time
}

func New(binary, cookiesFile string, killGrace time.Duration) *Extractor {
	return &Extractor{
		Binary:        binary,
		CookiesFile:   cookiesFile,
		SocketTimeout: 15 * time.Second,
		KillGrace:     killGrace,
		Agents:        NewUserAgents(),
		now:           time.Now,
	}
}

// CookiesAvailable reports whether the cookie strategy can run right now.
func (e *Extractor) CookiesAvailable() bool {
	return CookiesUsable(e.CookiesFile, e.now())
}

// BuildArgs assembles the metadata invocation for one platform and strategy.
// The target URL is appended by the caller after "--".
func BuildArgs(p Platform, s Strategy, userAgent, cookiesFile string, socketTimeout time.Duration) []string {
	args := []string{
		"--dump-json",
		"--no-playlist",
		"--no-warnings",
		"--socket-timeout", strconv.Itoa(int(socketTimeout.Seconds())),
		"--user-agent", userAgent,
	}
	return append(args, platformArgs(p, s, cookiesFile)...)
}

func platformArgs(p Platform, s Strategy, cookiesFile string) []string {
	var args []string
	if s.AltArgs {
		args = append(args, p.AltArgs...)
	} else {
		args = append(args, p.Args...)
	}
	if s.UseCookies && cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	return args
}

func (e *Extractor) prepare(rawURL string, s Strategy) (Platform, string, error) {
	p, err := DetectPlatform(rawURL)
	if err != nil {
		return Platform{}, "", err
	}
	cookies := ""
	if s.UseCookies {
		if !e.CookiesAvailable() {
			return Platform{}, "", ErrNoCookies
		}
		cookies = e.CookiesFile
	}
	return p, cookies, nil
}

// Extract runs one metadata attempt. The caller's ctx carries the attempt
// deadline; on expiry the whole process group is torn down.
func (e *Extractor) Extract(ctx context.Context, rawURL string, s Strategy) (*model.VideoMetadata, error) {
	p, cookies, err := e.prepare(rawURL, s)
	if err != nil {
		return nil, err
	}
	args := BuildArgs(p, s, e.Agents.Next(p.Mobile), cookies, e.SocketTimeout)
	args = append(args, "--", rawURL)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	setProcessGroup(cmd, e.KillGrace)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: stderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	slog.Debug("extractor finished", "platform", p.Name, "strategy", s.Name,
		"duration_ms", time.Since(start).Milliseconds(), "error", runErr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, &Error{Kind: KindTimeout, Message: "extractor timed out", Stderr: stderr.String(), Err: ctxErr}
	}
	if runErr != nil {
		out := stderr.String()
		msg := diagnostic(out)
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, &Error{Kind: Classify(out, nil), Message: msg, Stderr: out, Err: runErr}
	}

	meta, err := parseMetadata(stdout.Bytes(), p.Name)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "unparsable extractor output", Stderr: stderr.String(), Err: err}
	}
	return meta, nil
}

// Pipe streams the bytes of one format through the tool's stdout. Closing
// the returned reader kills and reaps the process group.
func (e *Extractor) Pipe(ctx context.Context, rawURL, formatID string, s Strategy) (io.ReadCloser, error) {
	p, cookies, err := e.prepare(rawURL, s)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-f", formatID,
		"-o", "-",
		"--no-playlist",
		"--no-warnings",
		"--no-part",
		"--quiet",
		"--socket-timeout", strconv.Itoa(int(e.SocketTimeout.Seconds())),
		"--user-agent", e.Agents.Next(p.Mobile),
	}
	args = append(args, platformArgs(p, s, cookies)...)
	args = append(args, "--", rawURL)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	setProcessGroup(cmd, e.KillGrace)
	stderr := &limitedBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start extractor: %w", err)
	}
	slog.Debug("extractor pipe started", "platform", p.Name, "format", formatID, "pid", cmd.Process.Pid)
	return &pipeReader{r: stdout, cmd: cmd, cancel: cancel, stderr: stderr}, nil
}

type pipeReader struct {
	r      io.Reader
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *limitedBuffer

	once    sync.Once
	waitErr error
}

// Read returns io.EOF only when the tool exited cleanly; a failed exit
// surfaces as a classified *Error.
func (p *pipeReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			out := p.stderr.String()
			return n, &Error{Kind: Classify(out, nil), Message: diagnostic(out), Stderr: out, Err: werr}
		}
	}
	return n, err
}

func (p *pipeReader) wait() error {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.cancel()
	})
	return p.waitErr
}

func (p *pipeReader) Close() error {
	p.cancel()
	p.wait()
	return nil
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
