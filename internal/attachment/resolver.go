// Package attachment turns image and file references in message content into
// local paths the external program can read.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/gabriel-vasile/mimetype"

	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/files"
	"github.com/memohai/clibridge/internal/tempfile"
)

const (
	fallbackExtension = ".png"
	fileAttachedText  = "[File Attached]"
)

// FileLookup resolves an upload id to a local path.
type FileLookup interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// Resolver materializes attachments. It is shared across requests; per-request
// state lives in the Set and tempfile.Queue passed to Render.
type Resolver struct {
	files    FileLookup
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewResolver creates a resolver. files may be nil when uploads are disabled.
func NewResolver(log *slog.Logger, lookup FileLookup, cfg config.AttachmentsConfig) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.FetchTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultFetchMaxBytes
	}
	return &Resolver{
		files:    lookup,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   log.With(slog.String("service", "attachment")),
	}
}

// Render returns the textual content of msg. Attachments found along the way
// are added to set; materialized temp files are registered on queue.
func (r *Resolver) Render(ctx context.Context, msg conversation.Message, queue *tempfile.Queue, set *Set) string {
	if msg.IsStringContent() {
		return r.renderString(ctx, msg.TextContent(), set)
	}
	parts := msg.ContentParts()
	if parts == nil {
		return msg.TextContent()
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		var text string
		switch part.Type {
		case conversation.PartText:
			text = part.Text
		case conversation.PartImageURL:
			if part.ImageURL != nil {
				text = r.resolveImage(ctx, part.ImageURL.URL, queue, set)
			}
		case conversation.PartFile:
			if part.File != nil {
				text = r.resolveFile(ctx, *part.File, queue, set)
			}
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n")
}

// renderString replaces known upload ids in plain text with an attachment.
// Unknown ids are left untouched.
func (r *Resolver) renderString(ctx context.Context, content string, set *Set) string {
	if r.files == nil {
		return content
	}
	return files.IDPattern.ReplaceAllStringFunc(content, func(id string) string {
		path, err := r.files.Resolve(ctx, id)
		if err != nil {
			return id
		}
		set.Add(path)
		return fileAttachedText
	})
}

func (r *Resolver) resolveImage(ctx context.Context, ref string, queue *tempfile.Queue, set *Set) string {
	if path, ok := r.lookupUpload(ctx, ref); ok {
		set.Add(path)
		return ""
	}
	var (
		path string
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		path, err = r.materializeDataURI(ref, queue)
	case isHTTPURL(ref):
		path, err = r.fetch(ctx, ref, queue)
	default:
		return fmt.Sprintf("[Image: %s]", ref)
	}
	if err != nil {
		r.logger.Warn("attachment failed", slog.String("ref", shortRef(ref)), slog.Any("error", err))
		return fmt.Sprintf("[Image Error: %s]", shortRef(ref))
	}
	set.Add(path)
	return ""
}

func (r *Resolver) resolveFile(ctx context.Context, ref conversation.FileRef, queue *tempfile.Queue, set *Set) string {
	if ref.FileID != "" {
		if path, ok := r.lookupUpload(ctx, ref.FileID); ok {
			set.Add(path)
			return ""
		}
		if ref.FileData == "" {
			return fmt.Sprintf("[File: %s]", ref.FileID)
		}
	}
	if ref.FileData == "" {
		return ""
	}
	data := ref.FileData
	if !strings.HasPrefix(data, "data:") {
		data = "data:application/octet-stream;base64," + data
	}
	path, err := r.materializeDataURI(data, queue)
	if err != nil {
		r.logger.Warn("file attachment failed", slog.String("filename", ref.Filename), slog.Any("error", err))
		name := ref.Filename
		if name == "" {
			name = "inline"
		}
		return fmt.Sprintf("[File Error: %s]", name)
	}
	set.Add(path)
	return ""
}

func (r *Resolver) lookupUpload(ctx context.Context, ref string) (string, bool) {
	if r.files == nil {
		return "", false
	}
	id := files.IDPattern.FindString(ref)
	if id == "" {
		return "", false
	}
	path, err := r.files.Resolve(ctx, id)
	if err != nil {
		if !errors.Is(err, files.ErrNotFound) {
			r.logger.Warn("upload lookup failed", slog.String("id", id), slog.Any("error", err))
		}
		return "", false
	}
	return path, true
}

func (r *Resolver) materializeDataURI(ref string, queue *tempfile.Queue) (string, error) {
	mediaType, data, err := DecodeDataURI(ref)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: max %d bytes", files.ErrTooLarge, r.maxBytes)
	}
	return queue.Write("attachment-*"+extensionFor(mediaType, data), data)
}

func (r *Resolver) fetch(ctx context.Context, ref string, queue *tempfile.Queue) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}
	data, err := files.ReadAllWithLimit(resp.Body, r.maxBytes)
	if err != nil {
		return "", err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" {
		md, err := htmltomarkdown.ConvertString(string(data))
		if err != nil {
			return "", fmt.Errorf("convert html: %w", err)
		}
		data = []byte(md)
		mediaType = "text/markdown"
	}
	r.logger.Debug("attachment fetched",
		slog.String("url", ref),
		slog.Int("bytes", len(data)),
		slog.Duration("took", time.Since(started)),
	)
	return queue.Write("attachment-*"+extensionFor(mediaType, data), data)
}

// DecodeDataURI parses a data: URI into its media type and payload.
func DecodeDataURI(ref string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, errors.New("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("data uri has no payload")
	}
	isBase64 := false
	params := strings.Split(meta, ";")
	mediaType := strings.ToLower(strings.TrimSpace(params[0]))
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decode data uri: %w", err)
		}
		return mediaType, []byte(decoded), nil
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, fmt.Errorf("decode data uri: %w", err)
		}
	}
	return mediaType, data, nil
}

// extensionFor maps a declared media type to a file extension, sniffing the
// payload when the type is missing or unknown.
func extensionFor(mediaType string, data []byte) string {
	if ext := extensionFromMime(mediaType); ext != "" {
		return ext
	}
	if len(data) > 0 {
		if ext := mimetype.Detect(data).Extension(); ext != "" {
			return ext
		}
	}
	return fallbackExtension
}

func extensionFromMime(mediaType string) string {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	case "text/markdown":
		return ".md"
	case "application/json":
		return ".json"
	case "text/csv":
		return ".csv"
	default:
		return ""
	}
}

func isHTTPURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// shortRef keeps log lines and inline markers readable for large data URIs.
func shortRef(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		if meta, _, ok := strings.Cut(ref, ","); ok {
			return meta + ",..."
		}
	}
	return ref
}
