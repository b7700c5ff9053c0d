// Package stream relays the bytes of one resolved format to a client that
// presented a valid stream token.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YannKr/streamgate/internal/apierr"
	"github.com/YannKr/streamgate/internal/extractor"
	"github.com/YannKr/streamgate/internal/fallback"
	"github.com/YannKr/streamgate/internal/model"
	"github.com/YannKr/streamgate/internal/perf"
	"github.com/YannKr/streamgate/internal/token"
	"github.com/YannKr/streamgate/internal/worker"
)

type Tokens interface {
	Acquire(value, fingerprint string) (*model.StreamToken, func(), error)
	MarkUsed(value string)
}

type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (*fallback.Result, error)
}

type Piper interface {
	Pipe(ctx context.Context, rawURL, formatID string, s extractor.Strategy) (io.ReadCloser, error)
}

type Reporter interface {
	StreamStarted()
	StreamFinished(r perf.StreamResult)
}

type Tracker interface {
	Enqueue(ctx context.Context, s worker.Spec) (string, bool, error)
}

type Client struct {
	IP        string
	UserAgent string
}

type Request struct {
	Token  string
	Client Client
	// Range is the client's Range header. It is only forwarded for
	// resumable tokens on progressive formats.
	Range string
}

// Outcome describes how a relay ended. Started means response headers and
// at least the status line reached the client; after that an error can only
// end the connection.
type Outcome struct {
	Success   bool
	Started   bool
	BytesSent int64
	Duration  time.Duration
	Err       *apierr.Error
}

type Proxy struct {
	Tokens   Tokens
	Resolver Resolver
	Piper    Piper
	HTTP     *http.Client
	Perf     Reporter
	Tracker  Tracker

	bufSize int
	pool    sync.Pool
	now     func() time.Time
}

func New(tokens Tokens, resolver Resolver, piper Piper, reporter Reporter, tracker Tracker, bufferSize int) *Proxy {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	p := &Proxy{
		Tokens:   tokens,
		Resolver: resolver,
		Piper:    piper,
		HTTP:     &http.Client{Transport: http.DefaultTransport},
		Perf:     reporter,
		Tracker:  tracker,
		bufSize:  bufferSize,
		now:      time.Now,
	}
	p.pool.New = func() any {
		b := make([]byte, p.bufSize)
		return &b
	}
	return p
}

// TokenError maps a token manager error onto the caller-visible taxonomy.
func TokenError(err error) *apierr.Error {
	switch {
	case errors.Is(err, token.ErrNotFound):
		return apierr.Authorization("TOKEN_NOT_FOUND", "stream token not found", err)
	case errors.Is(err, token.ErrExpired):
		return apierr.Authorization("TOKEN_EXPIRED", "stream token expired", err)
	case errors.Is(err, token.ErrUsed):
		return apierr.Authorization("TOKEN_USED", "stream token already used", err)
	case errors.Is(err, token.ErrRevoked):
		return apierr.Authorization("TOKEN_REVOKED", "stream token revoked", err)
	case errors.Is(err, token.ErrInUse):
		return apierr.Authorization("TOKEN_IN_USE", "stream token is already streaming", err)
	case errors.Is(err, token.ErrExhausted):
		return apierr.Authorization("TOKEN_EXHAUSTED", "stream token has reached its access limit", err)
	case errors.Is(err, token.ErrFingerprint):
		return apierr.Authorization("TOKEN_CLIENT_MISMATCH", "stream token was issued to a different client", err)
	case errors.Is(err, token.ErrForbidden):
		return apierr.Forbidden("stream token belongs to another user")
	}
	return apierr.From(err)
}

type upstream struct {
	body      io.ReadCloser
	status    int
	length    int64
	ctype     string
	ext       string
	crange    string
	rangeable bool
}

// Stream validates the token, resolves a direct source and relays it to w.
// A rejected token returns before any extraction is attempted and is not
// counted as a stream. Error responses are left to the caller when the
// outcome is not Started.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, req Request) Outcome {
	fp := token.Fingerprint(req.Client.IP, req.Client.UserAgent)
	tok, release, err := p.Tokens.Acquire(req.Token, fp)
	if err != nil {
		return Outcome{Err: TokenError(err)}
	}
	defer release()

	start := p.now()
	p.Perf.StreamStarted()
	out := p.relay(ctx, w, tok, req)
	out.Duration = p.now().Sub(start)
	out.Success = out.Err == nil

	p.Perf.StreamFinished(perf.StreamResult{
		Success:   out.Success,
		Started:   out.Started,
		BytesSent: out.BytesSent,
		Duration:  out.Duration,
	})
	if out.Success {
		p.Tokens.MarkUsed(tok.Value)
	}
	p.track(tok, req, out)

	switch {
	case out.Success:
		slog.Info("stream finished", "token", token.Redact(tok.Value), "format", tok.FormatID, "bytes", out.BytesSent, "duration", out.Duration)
	case out.Started:
		slog.Warn("stream interrupted", "token", token.Redact(tok.Value), "format", tok.FormatID, "bytes", out.BytesSent, "error", out.Err)
	default:
		slog.Warn("stream failed", "token", token.Redact(tok.Value), "format", tok.FormatID, "error", out.Err)
	}
	return out
}

func (p *Proxy) relay(ctx context.Context, w http.ResponseWriter, tok *model.StreamToken, req Request) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	up, err := p.open(ctx, tok, req)
	if err != nil {
		return Outcome{Err: p.failure(ctx, err)}
	}
	defer up.body.Close()

	bp := p.pool.Get().(*[]byte)
	defer p.pool.Put(bp)
	buf := *bp

	flusher, _ := w.(http.Flusher)
	var out Outcome
	for {
		n, rerr := up.body.Read(buf)
		if n > 0 {
			if !out.Started {
				writeHeaders(w, tok, up)
				out.Started = true
			}
			written, werr := w.Write(buf[:n])
			out.BytesSent += int64(written)
			if werr != nil {
				out.Err = apierr.UpstreamInterrupted(out.BytesSent, fmt.Errorf("client write: %w", werr))
				return out
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			if !out.Started {
				writeHeaders(w, tok, up)
				out.Started = true
			}
			return out
		}
		if rerr != nil {
			if !out.Started {
				out.Err = p.failure(ctx, rerr)
				return out
			}
			out.Err = apierr.UpstreamInterrupted(out.BytesSent, rerr)
			return out
		}
	}
}

// failure classifies an error that happened before the first byte.
func (p *Proxy) failure(ctx context.Context, err error) *apierr.Error {
	if ctx.Err() != nil {
		return apierr.UpstreamInterrupted(0, ctx.Err())
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var xe *extractor.Error
	if errors.As(err, &xe) {
		return apierr.Extraction(string(xe.Kind), err)
	}
	return apierr.From(err)
}

// open re-resolves the token's format and connects to its bytes: a direct
// HTTP fetch for progressive formats, the extractor's stdout otherwise.
func (p *Proxy) open(ctx context.Context, tok *model.StreamToken, req Request) (*upstream, error) {
	res, err := p.Resolver.Resolve(ctx, tok.VideoURL)
	if err != nil {
		return nil, err
	}
	f, ok := res.Metadata.Format(tok.FormatID)
	if !ok {
		return nil, apierr.Extraction(string(extractor.KindVideoUnavailable),
			fmt.Errorf("format %s is no longer offered", tok.FormatID))
	}
	ext := tok.Ext
	if ext == "" {
		ext = f.Ext
	}

	if f.Progressive() {
		return p.fetch(ctx, f, ext, tok.Resumable, req.Range)
	}
	rc, err := p.Piper.Pipe(ctx, tok.VideoURL, f.FormatID, res.Strategy)
	if err != nil {
		return nil, err
	}
	return &upstream{body: rc, status: http.StatusOK, length: -1, ctype: contentType(ext), ext: ext}, nil
}

func (p *Proxy) fetch(ctx context.Context, f model.VideoFormat, ext string, resumable bool, rangeHeader string) (*upstream, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range f.Headers {
		hreq.Header.Set(k, v)
	}
	hreq.Header.Set("Accept-Encoding", "identity")
	forwardRange := resumable && rangeHeader != ""
	if forwardRange {
		hreq.Header.Set("Range", rangeHeader)
	}

	resp, err := p.HTTP.Do(hreq)
	if err != nil {
		return nil, &extractor.Error{Kind: extractor.KindNetworkError, Message: "upstream fetch failed", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent && forwardRange:
	default:
		resp.Body.Close()
		kind := extractor.KindNetworkError
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			kind = extractor.KindRateLimited
		case http.StatusNotFound, http.StatusGone:
			kind = extractor.KindVideoUnavailable
		}
		return nil, &extractor.Error{Kind: kind, Message: "upstream returned " + resp.Status}
	}

	up := &upstream{
		body:      resp.Body,
		status:    resp.StatusCode,
		length:    resp.ContentLength,
		ctype:     contentType(ext),
		ext:       ext,
		crange:    resp.Header.Get("Content-Range"),
		rangeable: resumable,
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/") {
		up.ctype = ct
	}
	return up, nil
}

func writeHeaders(w http.ResponseWriter, tok *model.StreamToken, up *upstream) {
	h := w.Header()
	h.Set("Content-Type", up.ctype)
	h.Set("Content-Disposition", disposition(tok.Title, up.ext))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if up.length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(up.length, 10))
	}
	if up.crange != "" {
		h.Set("Content-Range", up.crange)
	}
	if up.rangeable {
		h.Set("Accept-Ranges", "bytes")
	} else {
		h.Set("Accept-Ranges", "none")
	}
	w.WriteHeader(up.status)
}

var contentTypes = map[string]string{
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"m4a":  "audio/mp4",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"3gp":  "video/3gpp",
	"flv":  "video/x-flv",
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"ogg":  "audio/ogg",
	"wav":  "audio/wav",
}

func contentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"\r", "",
		"\n", "",
	)
	s := strings.TrimSpace(replacer.Replace(name))
	if len(s) > 200 {
		s = strings.ToValidUTF8(s[:200], "")
	}
	if s == "" {
		s = "video"
	}
	return s
}

// disposition builds an attachment header; mime adds the RFC 2231 form for
// non-ASCII titles.
func disposition(title, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	name := sanitizeFilename(title) + "." + ext
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return `attachment; filename="video.` + ext + `"`
}

func (p *Proxy) track(tok *model.StreamToken, req Request, out Outcome) {
	if p.Tracker == nil {
		return
	}
	s := &model.StreamSession{
		ID:          uuid.New().String(),
		TokenPrefix: token.Redact(tok.Value),
		UserID:      tok.UserID,
		VideoURL:    tok.VideoURL,
		FormatID:    tok.FormatID,
		ClientIP:    req.Client.IP,
		Success:     out.Success,
		Started:     out.Started,
		BytesSent:   out.BytesSent,
		Duration:    out.Duration,
		CreatedAt:   p.now().UTC(),
	}
	if out.Err != nil {
		s.Error = out.Err.Error()
	}
	if _, _, err := p.Tracker.Enqueue(context.Background(), worker.Spec{UserID: tok.UserID, Payload: s}); err != nil {
		slog.Warn("enqueue stream session", "token", token.Redact(tok.Value), "error", err)
	}
}
