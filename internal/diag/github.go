package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubIssues opens an issue per incident. Identical titles are
// suppressed for MinInterval so a failure loop cannot flood the tracker.
type GitHubIssues struct {
	Repository  string
	BaseURL     string
	MinInterval time.Duration

	client *http.Client
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewGitHubIssues returns a sink authenticated with token against
// repository ("owner/name").
func NewGitHubIssues(ctx context.Context, token, repository string) *GitHubIssues {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	return &GitHubIssues{
		Repository:  repository,
		BaseURL:     defaultGitHubAPI,
		MinInterval: time.Hour,
		client:      oauth2.NewClient(ctx, ts),
		now:         time.Now,
		last:        make(map[string]time.Time),
	}
}

// Title returns the issue title used for an incident.
func Title(where string) string {
	return "zipdrop error: " + where
}

func (g *GitHubIssues) Send(ctx context.Context, inc Incident) error {
	title := Title(inc.Context)
	if !g.allow(title) {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  issueBody(inc),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal issue: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/issues", strings.TrimRight(g.BaseURL, "/"), g.Repository)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return nil
}

func (g *GitHubIssues) allow(title string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[title]; ok && now.Sub(last) < g.MinInterval {
		return false
	}

	g.last[title] = now

	return true
}

func issueBody(inc Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Reported at %s", inc.Time.UTC().Format(time.RFC3339))

	if inc.Instance != "" {
		fmt.Fprintf(&b, " by `%s`", inc.Instance)
	}

	b.WriteString("\n\n")
	fmt.Fprintf(&b, "```\n%v\n```\n", inc.Err)

	if len(inc.Stack) > 0 {
		fmt.Fprintf(&b, "\n<details><summary>stack</summary>\n\n```\n%s\n```\n</details>\n", inc.Stack)
	}

	return b.String()
}
