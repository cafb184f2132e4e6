// Package httpapi serves the server's plain HTTP surface: health checks and
// redirects to presigned asset URLs.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"github.com/dmitrijs2005/draftsync/internal/server/auth"
	"github.com/go-chi/chi/v5"
)

// Assets is what the handler needs from services.AssetService.
type Assets interface {
	PresignGet(ctx context.Context, kind, key string) (string, error)
	PresignImageUpload(ctx context.Context) (string, string, error)
}

// UploadResponse is returned by POST /assets/image.
type UploadResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
}

type Handler struct {
	assets    Assets
	jwtSecret []byte
	logger    logging.Logger
}

func NewHandler(assets Assets, secretKey string, l logging.Logger) *Handler {
	return &Handler{assets: assets, jwtSecret: []byte(secretKey), logger: l.With("module", "http_api")}
}

// Routes mounts:
//
//	GET  /healthz               liveness probe
//	GET  /assets/{kind}/{key}   302 to a presigned object URL
//	POST /assets/image          presigned upload for a new image (bearer token)
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Route("/assets", func(r chi.Router) {
		r.With(h.requireToken).Post("/image", h.upload)
		r.Get("/{kind}/*", h.asset)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) asset(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, "bad asset key", http.StatusBadRequest)
		return
	}

	target, err := h.assets.PresignGet(r.Context(), kind, key)
	switch {
	case errors.Is(err, common.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error(r.Context(), "presign failed", "kind", kind, "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	key, target, err := h.assets.PresignImageUpload(r.Context())
	if err != nil {
		h.logger.Error(r.Context(), "presign upload failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body, err := sonic.Marshal(UploadResponse{Key: key, UploadURL: target})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), common.BearerPrefix)
		if !found || token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := auth.ParticipantFromToken(token, h.jwtSecret); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
