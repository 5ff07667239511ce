package rest

import (
	"errors"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/zipdrop/internal/download"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/storage"
)

type DownloadHandler struct {
	svc *download.Service
}

func NewDownloadHandler(svc *download.Service) *DownloadHandler {
	return &DownloadHandler{svc: svc}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/download", h.HandleDownload)
	r.Get("/health", h.HandleHealth)

	return r
}

// HandleDownload consumes the token in the query string and streams the
// archive it was issued for.
func (h *DownloadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	grant, err := h.svc.Consume(ctx, r.URL.Query().Get("token"), remoteHost(r))
	if err != nil {
		status, msg := statusFor(err)
		http.Error(w, msg, status)

		return
	}

	header := w.Header()
	header.Set("Content-Type", contentType(grant.Filename))
	header.Set("Content-Length", strconv.FormatInt(grant.Archive.Size, 10))
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": grant.Filename}))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := h.svc.Stream(ctx, w, grant); err != nil {
		logger.DebugContext(ctx, "client did not receive the whole archive", "err", err)
	}
}

// HandleHealth answers liveness checks.
func (h *DownloadHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statusFor maps a download error to the status code and the only detail
// the client gets to see.
func statusFor(err error) (int, string) {
	var (
		invalidErr *download.InvalidTokenError
		unsafeErr  *download.UnsafePathError
		missingErr *download.ArchiveMissingError
	)

	switch {
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest, "Invalid or missing token."
	case errors.As(err, &unsafeErr):
		return http.StatusBadRequest, "Invalid file path."
	case errors.Is(err, storage.ErrTokenNotFound):
		return http.StatusForbidden, "Invalid token."
	case errors.As(err, &missingErr), errors.Is(err, storage.ErrRegistryMissing):
		return http.StatusNotFound, "File not found."
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func contentType(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".zip") {
		return "application/zip"
	}

	return "application/octet-stream"
}

// remoteHost returns the peer address without the port. Proxy headers are
// not trusted.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
