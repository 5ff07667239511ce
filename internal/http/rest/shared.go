package rest

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/italolelis/zipdrop/internal/logctx"
)

// SharedFileHandler passes an operator-curated text file through as is.
type SharedFileHandler struct {
	path string
}

func NewSharedFileHandler(path string) *SharedFileHandler {
	return &SharedFileHandler{path: path}
}

func (h *SharedFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "CID file not found", http.StatusNotFound)

			return
		}

		logger.ErrorContext(ctx, "failed to open shared file", "path", h.path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "CID file not found", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		logger.DebugContext(ctx, "failed to send shared file", "err", err)
	}
}
