package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/netx"
)

// HTTPUploader stores new images through the asset endpoint: it asks
// {BaseURL}/assets/image for a presigned upload URL, then PUTs the payload
// there.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPUploader(baseURL, token string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUploader{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: client}
}

type uploadTicket struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
}

// Upload returns the image key the payload was stored under.
func (u *HTTPUploader) Upload(ctx context.Context, payload []byte) (string, error) {
	ticket, err := u.ticket(ctx)
	if err != nil {
		return "", err
	}
	if err := netx.Upload(ctx, u.Client, ticket.UploadURL, payload); err != nil {
		return "", err
	}
	return ticket.Key, nil
}

func (u *HTTPUploader) ticket(ctx context.Context) (*uploadTicket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/assets/image", nil)
	if err != nil {
		return nil, err
	}
	if u.Token != "" {
		req.Header.Set("Authorization", common.BearerPrefix+u.Token)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("upload ticket: %w", common.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upload ticket: %s", common.ErrTransientNetwork, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upload ticket: %s", resp.Status)
	}

	var t uploadTicket
	if err := sonic.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("upload ticket: %w", err)
	}
	if t.Key == "" || t.UploadURL == "" {
		return nil, fmt.Errorf("upload ticket: incomplete response")
	}
	return &t, nil
}
