package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/YannKr/streamgate/internal/model"
)

type rawFormat struct {
	FormatID       string            `json:"format_id"`
	Ext            string            `json:"ext"`
	Width          *int              `json:"width"`
	Height         *int              `json:"height"`
	FPS            *float64          `json:"fps"`
	VCodec         string            `json:"vcodec"`
	ACodec         string            `json:"acodec"`
	ABR            float64           `json:"abr"`
	FileSize       int64             `json:"filesize"`
	FileSizeApprox int64             `json:"filesize_approx"`
	FormatNote     string            `json:"format_note"`
	Protocol       string            `json:"protocol"`
	URL            string            `json:"url"`
	HTTPHeaders    map[string]string `json:"http_headers"`
}

type rawInfo struct {
	rawFormat
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Uploader   string      `json:"uploader"`
	Duration   float64     `json:"duration"`
	Thumbnail  string      `json:"thumbnail"`
	WebpageURL string      `json:"webpage_url"`
	Formats    []rawFormat `json:"formats"`
}

var errNoOutput = errors.New("extractor produced no output")

// parseMetadata decodes the first JSON line of the tool's stdout.
func parseMetadata(stdout []byte, platform string) (*model.VideoMetadata, error) {
	line := firstLine(stdout)
	if len(line) == 0 {
		return nil, errNoOutput
	}
	var info rawInfo
	if err := json.Unmarshal(line, &info); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	raw := info.Formats
	// Direct-file extractors report the single format at the top level.
	if len(raw) == 0 && info.URL != "" {
		single := info.rawFormat
		if single.FormatID == "" {
			single.FormatID = "0"
		}
		raw = []rawFormat{single}
	}

	meta := &model.VideoMetadata{
		ID:         info.ID,
		Title:      info.Title,
		Uploader:   info.Uploader,
		Duration:   info.Duration,
		Thumbnail:  info.Thumbnail,
		WebpageURL: info.WebpageURL,
		Platform:   platform,
		Formats:    filterFormats(raw),
	}
	return meta, nil
}

func firstLine(b []byte) []byte {
	for len(b) > 0 {
		var line []byte
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			line, b = b[:i], b[i+1:]
		} else {
			line, b = b, nil
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			return line
		}
	}
	return nil
}

// filterFormats drops storyboards and entries with neither audio nor video,
// and fills the flags and quality labels clients see.
func filterFormats(raw []rawFormat) []model.VideoFormat {
	out := make([]model.VideoFormat, 0, len(raw))
	for _, r := range raw {
		if r.FormatID == "" || r.Ext == "" {
			continue
		}
		if r.Ext == "mhtml" || strings.HasPrefix(r.FormatID, "sb") ||
			strings.Contains(strings.ToLower(r.FormatNote), "storyboard") {
			continue
		}

		hasVideo := r.VCodec != "none" && r.VCodec != ""
		hasAudio := r.ACodec != "none" && r.ACodec != ""
		if r.VCodec == "" && r.ACodec == "" {
			// Codecs unknown: treat as a muxed file.
			hasVideo, hasAudio = true, true
		}
		if !hasVideo && !hasAudio {
			continue
		}

		size := r.FileSize
		if size == 0 {
			size = r.FileSizeApprox
		}
		f := model.VideoFormat{
			FormatID: r.FormatID,
			Ext:      r.Ext,
			HasVideo: hasVideo,
			HasAudio: hasAudio,
			FileSize: size,
			Protocol: r.Protocol,
			URL:      r.URL,
			Headers:  r.HTTPHeaders,
		}
		if hasVideo {
			f.Width, f.Height, f.FPS = r.Width, r.Height, r.FPS
		}
		f.QualityLabel = qualityLabel(f, r)
		out = append(out, f)
	}
	return out
}

func qualityLabel(f model.VideoFormat, r rawFormat) string {
	switch {
	case f.HasVideo && f.Height != nil:
		label := fmt.Sprintf("%dp", *f.Height)
		if f.FPS != nil && *f.FPS > 30 {
			label += fmt.Sprintf("%.0f", *f.FPS)
		}
		if !f.HasAudio {
			label += " (video only)"
		}
		return label
	case !f.HasVideo:
		if r.ABR > 0 {
			return fmt.Sprintf("audio %.0fkbps", r.ABR)
		}
		return "audio"
	case r.FormatNote != "":
		return r.FormatNote
	default:
		return "video"
	}
}
