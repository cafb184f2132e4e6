package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPUploader_TicketThenPut(t *testing.T) {
	var mu sync.Mutex
	var stored []byte
	var auth string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /assets/image", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"key":"2026/06/20/abc","uploadUrl":"` + srv.URL + `/bucket/image/2026/06/20/abc"}`))
	})
	mux.HandleFunc("PUT /bucket/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		stored = b
		mu.Unlock()
	})

	u := NewHTTPUploader(srv.URL+"/", "tok", srv.Client())
	key, err := u.Upload(context.Background(), []byte("png-bytes"))

	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "2026/06/20/abc", key)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "png-bytes", string(stored))
}

func TestHTTPUploader_Errors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, "", srv.Client())

	_, err := u.Upload(context.Background(), nil)
	require.ErrorIs(t, err, common.ErrUnauthorized)

	status.Store(http.StatusServiceUnavailable)
	_, err = u.Upload(context.Background(), nil)
	require.ErrorIs(t, err, common.ErrTransientNetwork)

	status.Store(http.StatusOK)
	_, err = u.Upload(context.Background(), nil)
	require.Error(t, err)
}
