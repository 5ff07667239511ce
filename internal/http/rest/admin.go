package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/issuer"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/notifier"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/token"
	"golang.org/x/crypto/bcrypt"
)

const maxAdminBody = 64 << 10

type IssueTokenRequest struct {
	Filename  string `json:"filename"`
	Recipient string `json:"recipient,omitempty"`
}

type IssueTokenResponse struct {
	Token    string `json:"token"`
	Filename string `json:"filename"`
	Link     string `json:"link"`
	Notified bool   `json:"notified"`
}

type ArchiveTokens struct {
	Filename   string `json:"filename"`
	LiveTokens int    `json:"live_tokens"`
	OnDisk     bool   `json:"on_disk"`
	// Unsafe marks a registry value that escapes the archive directory.
	Unsafe bool `json:"unsafe,omitempty"`
}

type ListTokensResponse struct {
	Archives []ArchiveTokens `json:"archives"`
}

// AdminConfig holds the credentials and collaborators of the admin API.
type AdminConfig struct {
	Username      string
	PasswordHash  string
	PublicBaseURL string

	Registry storage.Registry
	Store    *archive.Store
	Issuer   *issuer.Issuer
	Notifier notifier.Notifier
	Auditor  audit.Auditor
}

// AdminHandler lets an operator re-register archives without shell access.
// Token values are only ever returned for tokens the caller just issued.
type AdminHandler struct {
	cfg AdminConfig
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.Noop{}
	}

	if cfg.Auditor == nil {
		cfg.Auditor = audit.NoopAuditor{}
	}

	return &AdminHandler{cfg: cfg}
}

// Enabled reports whether credentials are configured.
func (h *AdminHandler) Enabled() bool {
	return h.cfg.Username != "" && h.cfg.PasswordHash != ""
}

func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/tokens", h.HandleIssue)
	r.Get("/tokens", h.HandleList)
	r.Delete("/tokens/{token}", h.HandleRevoke)

	return r
}

// HandleIssue registers a fresh token for an archive already in the store.
func (h *AdminHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req IssueTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	ok, err := h.cfg.Store.Exists(req.Filename)
	switch {
	case errors.Is(err, archive.ErrUnsafePath):
		http.Error(w, "invalid filename", http.StatusBadRequest)

		return
	case err != nil:
		logger.ErrorContext(ctx, "failed to check archive", "filename", req.Filename, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)

		return
	case !ok:
		http.Error(w, "archive not found", http.StatusNotFound)

		return
	}

	tok, err := h.cfg.Issuer.Issue(ctx, issuer.Request{
		Filename: req.Filename,
		Reason:   issuer.ReasonAdmin,
		Remote:   remoteHost(r),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to issue token", "filename", req.Filename, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)

		return
	}

	resp := IssueTokenResponse{
		Token:    tok,
		Filename: req.Filename,
		Link:     issuer.Link(h.cfg.PublicBaseURL, tok),
	}

	if req.Recipient != "" {
		msg := notifier.RenewalMessage(req.Recipient, req.Filename, resp.Link)
		if err := h.cfg.Notifier.Notify(ctx, msg); err != nil {
			logger.WarnContext(ctx, "failed to notify recipient", "recipient", req.Recipient, "err", err)
		} else {
			resp.Notified = true
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleList reports how many live tokens reference each archive.
func (h *AdminHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	tokens, err := h.cfg.Registry.Load(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load registry", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)

		return
	}

	counts := tokens.CountByFilename()
	resp := ListTokensResponse{Archives: make([]ArchiveTokens, 0, len(counts))}

	for filename, n := range counts {
		entry := ArchiveTokens{Filename: filename, LiveTokens: n}

		onDisk, err := h.cfg.Store.Exists(filename)
		if err != nil {
			logger.WarnContext(ctx, "failed to check archive", "filename", filename, "err", err)

			entry.Unsafe = errors.Is(err, archive.ErrUnsafePath)
		}

		entry.OnDisk = onDisk
		resp.Archives = append(resp.Archives, entry)
	}

	sort.Slice(resp.Archives, func(i, j int) bool {
		return resp.Archives[i].Filename < resp.Archives[j].Filename
	})

	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke removes a live token without serving it.
func (h *AdminHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	tok := chi.URLParam(r, "token")
	if !token.Valid(tok) {
		http.Error(w, "Invalid or missing token.", http.StatusBadRequest)

		return
	}

	err := h.cfg.Registry.Remove(ctx, tok)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		http.Error(w, "token not found", http.StatusNotFound)

		return
	case err != nil:
		logger.ErrorContext(ctx, "failed to revoke token", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)

		return
	}

	if err := h.cfg.Auditor.Log(ctx, audit.Entry{Remote: remoteHost(r), Kind: audit.KindRevoked, Detail: "token=" + tok}); err != nil {
		logger.ErrorContext(ctx, "failed to write audit entry", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !h.authenticate(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="zipdrop admin", charset="UTF-8"`)
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) authenticate(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.cfg.Username)) == 1
	// bcrypt runs even for an unknown username.
	passOK := bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(password)) == nil

	return userOK && passOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
