package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qapms.org/internal/audit"
)

func TestAuditStreamRequiresPermission(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "viewer@example.com", "correct horse battery")
	token := f.loginToken(t, "viewer@example.com", "correct horse battery")

	rec := f.do(t, authedRequest(http.MethodGet, "/v1/audit/stream", token))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuditStreamDeliversEvents(t *testing.T) {
	f := newAPIFixture(t)
	identity := f.registerUser(t, "sec@example.com", "correct horse battery")
	f.grantAdmin(t, identity.ID)
	token := f.loginToken(t, "sec@example.com", "correct horse battery")

	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/audit/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	if err := audit.LogEvent(context.Background(), "rbac.role.create", map[string]any{"role": "ops"}); err != nil {
		t.Fatalf("log event: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "rbac.role.create") {
				t.Fatalf("unexpected payload: %s", line)
			}
			return
		}
	}
	t.Fatalf("stream closed without delivering an event: %v", scanner.Err())
}
