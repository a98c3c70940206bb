package discord

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
)

// Downloader fetches attachment bodies from Discord's CDN.
type Downloader struct {
	client   *resty.Client
	maxBytes int64
}

func NewDownloader(maxBytes int64) *Downloader {
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Downloader{client: client, maxBytes: maxBytes}
}

// TooLargeError is returned for attachments over the configured size.
type TooLargeError struct {
	Size, Max int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("attachment is %d bytes, the limit is %d", e.Size, e.Max)
}

// Fetch downloads url, refusing bodies larger than the limit.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode())
	}

	reader := io.Reader(body)
	if d.maxBytes > 0 {
		reader = io.LimitReader(body, d.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return nil, &TooLargeError{Size: int64(len(data)), Max: d.maxBytes}
	}
	return data, nil
}
