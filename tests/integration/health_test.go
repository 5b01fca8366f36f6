package integration

import (
	"io"
	"net/http"
	"testing"

	"github.com/nexus-im/miniblog/tests/testutil"
)

func TestHealth(t *testing.T) {
	addr := testutil.ServerAddr(t)
	t.Log("addr:", addr)

	resp, err := http.Get(addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Fatalf("expected OK, got %q", body)
	}
}

func TestConversationsRequireToken(t *testing.T) {
	addr := testutil.ServerAddr(t)

	resp, err := http.Get(addr + "/api/conversations")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
