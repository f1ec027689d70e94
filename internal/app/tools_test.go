package app

import (
	"context"
	"strings"
	"testing"

	"postify/internal/storage"
	"postify/internal/vault"
)

func openTestTools(t *testing.T) (*Tools, string) {
	t.Helper()
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	tools, err := OpenTools(context.Background(), writeConfig(t, testConfig), map[string]string{"POSTIFY_VAULT_KEY": key})
	if err != nil {
		t.Fatalf("OpenTools error: %v", err)
	}
	t.Cleanup(func() { _ = tools.Close() })
	return tools, key
}

func TestToolsTenantLifecycle(t *testing.T) {
	tools, key := openTestTools(t)
	ctx := context.Background()

	if err := tools.AddTenant(ctx, "t1", "Shop", "Europe/Berlin", "123:abc"); err != nil {
		t.Fatalf("AddTenant error: %v", err)
	}
	if err := tools.AddTenant(ctx, "t1", "Shop", "", "123:abc"); err == nil {
		t.Fatalf("second AddTenant succeeded")
	}
	if err := tools.AddTenant(ctx, "t2", "", "Mars/Olympus", "1:x"); err == nil {
		t.Fatalf("bad timezone accepted")
	}

	tenants, err := tools.ListTenants(ctx)
	if err != nil || len(tenants) != 1 {
		t.Fatalf("tenants = %+v, err = %v", tenants, err)
	}
	if strings.Contains(tenants[0].Token, "123:abc") {
		t.Fatalf("token stored in clear text")
	}
	v, _ := vault.New(key)
	if plain, err := v.Decrypt("t1", tenants[0].Token); err != nil || plain != "123:abc" {
		t.Fatalf("Decrypt = %q, %v", plain, err)
	}

	if err := tools.DisableTenant(ctx, "t1", "revoked"); err != nil {
		t.Fatalf("DisableTenant error: %v", err)
	}
	if err := tools.SetToken(ctx, "t1", "456:def"); err != nil {
		t.Fatalf("SetToken error: %v", err)
	}
	tenants, _ = tools.ListTenants(ctx)
	if tenants[0].Status != storage.TenantActive || tenants[0].LastError != "" {
		t.Fatalf("tenant after SetToken = %+v", tenants[0])
	}
	if err := tools.SetToken(ctx, "missing", "1:x"); err == nil {
		t.Fatalf("SetToken on unknown tenant succeeded")
	}
}

func TestToolsPosts(t *testing.T) {
	tools, _ := openTestTools(t)
	ctx := context.Background()
	if err := tools.AddTenant(ctx, "t1", "", "", "123:abc"); err != nil {
		t.Fatalf("AddTenant error: %v", err)
	}
	if err := tools.AddChannel(ctx, storage.Channel{ID: "c1", TenantID: "t1"}); err == nil {
		t.Fatalf("channel without chat id accepted")
	}
	if err := tools.AddChannel(ctx, storage.Channel{ID: "c1", TenantID: "t1", ChatID: -100}); err != nil {
		t.Fatalf("AddChannel error: %v", err)
	}

	id, err := tools.AddPost(ctx, storage.Post{TenantID: "t1", Text: "hello"})
	if err != nil || id == "" {
		t.Fatalf("AddPost = %q, %v", id, err)
	}
	if _, err := tools.AddPost(ctx, storage.Post{TenantID: "t9", Text: "hello"}); err == nil {
		t.Fatalf("post for unknown tenant accepted")
	}

	if err := tools.store.PutPost(ctx, storage.Post{ID: "p2", TenantID: "t1", Text: "x", Status: storage.PostPublished}); err != nil {
		t.Fatalf("PutPost error: %v", err)
	}
	if _, err := tools.AddPost(ctx, storage.Post{ID: "p2", TenantID: "t1", Text: "y"}); err == nil {
		t.Fatalf("published post overwritten")
	}
}
