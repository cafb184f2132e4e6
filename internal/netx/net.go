package netx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/draftsync/internal/common"
)

// ErrTooLarge is returned when a response body exceeds the read limit.
var ErrTooLarge = errors.New("response body too large")

// Download GETs url and returns the body. Redirects are followed, so a
// presigned storage URL behind a 302 is read transparently. Transport
// failures and 5xx answers wrap common.ErrTransientNetwork; 404 wraps
// common.ErrNotFound. A positive limit caps the body size.
func Download(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("download %s: %w", url, common.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: download failed: %s", common.ErrTransientNetwork, resp.Status)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download failed: %s; body: %s", resp.Status, string(b))
	}

	r := io.Reader(resp.Body)
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}
	if limit > 0 && int64(len(b)) > limit {
		return nil, ErrTooLarge
	}
	return b, nil
}

// Upload PUTs payload to url, typically a presigned storage URL. Failure
// classification matches Download.
func Upload(ctx context.Context, client *http.Client, url string, payload []byte) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: upload failed: %s", common.ErrTransientNetwork, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("upload failed: %s", resp.Status)
	}
	return nil
}
