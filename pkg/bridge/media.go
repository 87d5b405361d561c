// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
)

// Media fetches attachment bytes from the public web or local disk,
// holding the (capped) payload in memory for the duration of one relay
// attempt. No streaming; attachments at bridge scale fit in memory.
type Media struct {
	client   *http.Client
	maxBytes int64
}

// NewMedia builds a fetcher with a bounded per-request timeout and a hard
// payload size cap.
func NewMedia(maxBytes int64, timeout time.Duration) *Media {
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Media{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads a URL and returns the payload with its MIME type, taken
// from the Content-Type header or sniffed from the bytes.
func (m *Media) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid attachment URL: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("attachment download returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment body: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds size cap of %d bytes", m.maxBytes)
	}

	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	return data, mimetype, nil
}

// FetchFile reads a local file, applying the same size cap.
func (m *Media) FetchFile(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat attachment file: %w", err)
	}
	if info.Size() > m.maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds size cap of %d bytes", m.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment file: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// ClassifyMsgType maps a MIME type to the Matrix message subtype used for
// the upload.
func ClassifyMsgType(mimetype string) event.MessageType {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimetype, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimetype, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// ImageDimensions decodes just enough of an image to learn its size.
func ImageDimensions(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
