package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/diag"
	"github.com/italolelis/zipdrop/internal/download"
	"github.com/italolelis/zipdrop/internal/issuer"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/notifier"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/storage/jsonfile"
	"github.com/italolelis/zipdrop/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const demoArchive = "demo_20240101-000000.zip"

var demoBytes = []byte("PK\x03\x04 archive bytes")

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notifier.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.msgs = append(n.msgs, msg)

	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.msgs)
}

type recordingSink struct {
	mu        sync.Mutex
	incidents []diag.Incident
}

func (s *recordingSink) Send(_ context.Context, inc diag.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incidents = append(s.incidents, inc)

	return nil
}

type server struct {
	handler      http.Handler
	svc          *download.Service
	registry     storage.Registry
	registryPath string
	store        *archive.Store
	auditor      *audit.InMemoryAuditor
	notifier     *recordingNotifier
	reporter     *diag.Reporter
	sink         *recordingSink
	sharedPath   string
}

const (
	adminUser = "operator"
	adminPass = "correct horse"
)

func newServer(t *testing.T, tokens storage.Tokens) *server {
	t.Helper()

	dir := t.TempDir()

	store, err := archive.NewStore(filepath.Join(dir, "zips"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), demoArchive), demoBytes, 0o644))

	registryPath := filepath.Join(dir, "tokens", "tokens.json")
	reg, err := jsonfile.New(registryPath)
	require.NoError(t, err)

	if tokens != nil {
		data, err := json.Marshal(tokens)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(registryPath, data, 0o600))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.MinCost)
	require.NoError(t, err)

	aud := audit.NewInMemoryAuditor()
	n := &recordingNotifier{}
	sink := &recordingSink{}
	reporter := diag.NewReporter(nil, sink)
	iss := issuer.New(reg, token.NewGenerator(), aud, nil)

	svc := download.NewService(reg, store, iss, n, aud, reporter, nil, download.Options{
		PublicBaseURL: "http://node:8082",
		Recipient:     func() string { return "ops@example.com" },
	})

	sharedPath := filepath.Join(dir, "shared-cids.txt")

	handler := NewRouter(RouterConfig{
		Download: NewDownloadHandler(svc),
		Admin: NewAdminHandler(AdminConfig{
			Username:      adminUser,
			PasswordHash:  string(hash),
			PublicBaseURL: "http://node:8082",
			Registry:      reg,
			Store:         store,
			Issuer:        iss,
			Notifier:      n,
			Auditor:       aud,
		}),
		SharedFilePath:  sharedPath,
		SharedFileRoute: "/shared-cids.txt",
		Reporter:        reporter,
	})

	t.Cleanup(func() {
		_ = svc.Wait(context.Background())
		_ = reporter.Wait(context.Background())
	})

	return &server{
		handler:      handler,
		svc:          svc,
		registry:     reg,
		registryPath: registryPath,
		store:        store,
		auditor:      aud,
		notifier:     n,
		reporter:     reporter,
		sink:         sink,
		sharedPath:   sharedPath,
	}
}

func (s *server) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

func (s *server) admin(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	req.SetBasicAuth(adminUser, adminPass)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

func (s *server) settle(t *testing.T) {
	t.Helper()

	require.NoError(t, s.svc.Wait(context.Background()))
	require.NoError(t, s.reporter.Wait(context.Background()))
}

func (s *server) load(t *testing.T) storage.Tokens {
	t.Helper()

	tokens, err := s.registry.Load(context.Background())
	require.NoError(t, err)

	return tokens
}

func TestDownload_Serves(t *testing.T) {
	s := newServer(t, storage.Tokens{"abc123": demoArchive})

	rec := s.do(t, http.MethodGet, "/download?token=abc123", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, demoBytes, rec.Body.Bytes())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprint(len(demoBytes)), rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename=demo_20240101-000000.zip`, rec.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	s.settle(t)

	tokens := s.load(t)
	require.Len(t, tokens, 1)
	assert.NotContains(t, tokens, "abc123")

	for _, filename := range tokens {
		assert.Equal(t, demoArchive, filename)
	}

	assert.Equal(t, 1, s.notifier.count())
}

func TestDownload_StatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		tokens   storage.Tokens
		target   string
		want     int
		wantKind audit.Kind
	}{
		{"space rejected by syntax check", storage.Tokens{"abc123": demoArchive}, "/download?token=not%20valid", http.StatusBadRequest, audit.KindInvalid},
		{"missing token", storage.Tokens{"abc123": demoArchive}, "/download", http.StatusBadRequest, audit.KindInvalid},
		{"empty registry", storage.Tokens{}, "/download?token=xyz", http.StatusForbidden, audit.KindRejected},
		{"unknown token", storage.Tokens{"abc123": demoArchive}, "/download?token=xyz", http.StatusForbidden, audit.KindRejected},
		{"poisoned registry", storage.Tokens{"abc123": "../../etc/passwd"}, "/download?token=abc123", http.StatusBadRequest, audit.KindUnsafePath},
		{"missing archive", storage.Tokens{"abc123": "gone.zip"}, "/download?token=abc123", http.StatusNotFound, audit.KindError},
		{"missing registry", nil, "/download?token=abc123", http.StatusNotFound, audit.KindError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, tt.tokens)

			var before []byte
			if tt.tokens != nil {
				var err error
				before, err = os.ReadFile(s.registryPath)
				require.NoError(t, err)
			}

			rec := s.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "etc/passwd")

			s.settle(t)
			assert.Equal(t, []audit.Kind{tt.wantKind}, s.auditor.Kinds())

			if tt.tokens != nil {
				after, err := os.ReadFile(s.registryPath)
				require.NoError(t, err)
				assert.Equal(t, before, after, "registry must be untouched")
			}
		})
	}
}

func TestDownload_SecondUseIsForbidden(t *testing.T) {
	s := newServer(t, storage.Tokens{"abc123": demoArchive})

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/download?token=abc123", nil).Code)
	s.settle(t)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/download?token=abc123", nil).Code)
}

func TestDownload_ConcurrentRequestsServeOnce(t *testing.T) {
	const clients = 16

	s := newServer(t, storage.Tokens{"abc123": demoArchive})

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)

	start := make(chan struct{})

	for range clients {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			resp, err := http.Get(srv.URL + "/download?token=abc123")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode == http.StatusOK {
				assert.Equal(t, demoBytes, body)
			}

			mu.Lock()
			codes[resp.StatusCode]++
			mu.Unlock()
		}()
	}

	close(start)
	wg.Wait()
	s.settle(t)

	assert.Equal(t, map[int]int{http.StatusOK: 1, http.StatusForbidden: clients - 1}, codes)
	assert.Equal(t, 1, s.notifier.count())
}

func TestHealth(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSharedFile(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	rec := s.do(t, http.MethodGet, "/shared-cids.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.WriteFile(s.sharedPath, []byte("bafy1\nbafy2\n"), 0o644))

	rec = s.do(t, http.MethodGet, "/shared-cids.txt", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bafy1\nbafy2\n", rec.Body.String())
}

func TestMetricsDisabledWithoutTelemetry(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestAdmin_RequiresCredentials(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	tests := []struct {
		name string
		user string
		pass string
	}{
		{"no credentials", "", ""},
		{"wrong password", adminUser, "wrong"},
		{"wrong user", "root", adminPass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/tokens", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
		})
	}
}

func TestAdmin_IssueListRevoke(t *testing.T) {
	s := newServer(t, storage.Tokens{"abc123": demoArchive, "ghost": "gone.zip"})

	body := bytes.NewBufferString(`{"filename":"` + demoArchive + `","recipient":"ops@example.com"}`)
	rec := s.admin(t, http.MethodPost, "/admin/tokens", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var issued IssueTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&issued))
	assert.True(t, token.Valid(issued.Token))
	assert.Equal(t, "http://node:8082/download?token="+issued.Token, issued.Link)
	assert.True(t, issued.Notified)
	assert.Equal(t, demoArchive, s.load(t)[issued.Token])

	rec = s.admin(t, http.MethodGet, "/admin/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "abc123", "token values must not be listed")

	var list ListTokensResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []ArchiveTokens{
		{Filename: demoArchive, LiveTokens: 2, OnDisk: true},
		{Filename: "gone.zip", LiveTokens: 1, OnDisk: false},
	}, list.Archives)

	rec = s.admin(t, http.MethodDelete, "/admin/tokens/abc123", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, s.load(t), "abc123")

	rec = s.admin(t, http.MethodDelete, "/admin/tokens/abc123", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []audit.Kind{audit.KindIssued, audit.KindRevoked}, s.auditor.Kinds())
}

func TestAdmin_ListFlagsUnsafeEntries(t *testing.T) {
	s := newServer(t, storage.Tokens{"abc123": demoArchive, "evil": "../../etc/passwd"})

	var logs bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))

	h := NewAdminHandler(AdminConfig{Registry: s.registry, Store: s.store})
	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/admin/tokens", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var list ListTokensResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []ArchiveTokens{
		{Filename: "../../etc/passwd", LiveTokens: 1, Unsafe: true},
		{Filename: demoArchive, LiveTokens: 1, OnDisk: true},
	}, list.Archives)

	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.Contains(t, logs.String(), "failed to check archive")
}

func TestAdmin_IssueRejectsBadFilenames(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	tests := []struct {
		body string
		want int
	}{
		{`{"filename":"../../etc/passwd"}`, http.StatusBadRequest},
		{`{"filename":""}`, http.StatusBadRequest},
		{`{"filename":"nope.zip"}`, http.StatusNotFound},
		{`not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			rec := s.admin(t, http.MethodPost, "/admin/tokens", strings.NewReader(tt.body))
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.Empty(t, s.load(t))
}

func TestAdmin_DisabledWithoutCredentials(t *testing.T) {
	s := newServer(t, storage.Tokens{})

	handler := NewRouter(RouterConfig{
		Download: NewDownloadHandler(s.svc),
		Admin:    NewAdminHandler(AdminConfig{}),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tokens", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverer(t *testing.T) {
	sink := &recordingSink{}
	reporter := diag.NewReporter(nil, sink)

	h := Recoverer(reporter)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map write")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download?token=abc", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error\n", rec.Body.String())

	require.NoError(t, reporter.Wait(context.Background()))
	require.Len(t, sink.incidents, 1)
	assert.Equal(t, "server_exception", sink.incidents[0].Context)

	var panicErr *diag.PanicError
	assert.ErrorAs(t, sink.incidents[0].Err, &panicErr)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid token", &download.InvalidTokenError{Token: "a b"}, http.StatusBadRequest},
		{"unsafe path", &download.UnsafePathError{Filename: "../x"}, http.StatusBadRequest},
		{"unknown token", storage.ErrTokenNotFound, http.StatusForbidden},
		{"missing archive", &download.ArchiveMissingError{Filename: "x.zip"}, http.StatusNotFound},
		{"missing registry", fmt.Errorf("consume: %w", storage.ErrRegistryMissing), http.StatusNotFound},
		{"persist failure", &download.PersistError{Err: storage.ErrPersist}, http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/zip", contentType("a.zip"))
	assert.Equal(t, "application/zip", contentType("A.ZIP"))
	assert.Equal(t, "application/octet-stream", contentType("a.tar.gz"))
}
