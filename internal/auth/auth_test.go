package auth

import (
	"context"
	"strings"
	"testing"
)

const resolver = "0xb103a5867d1bf1a4239410c10ec968a5a190231e"

func TestStaticKey(t *testing.T) {
	ctx := context.Background()
	a := NewStaticKey("s3cret")

	if !a.IsAuthorizedResolver(ctx, "s3cret") {
		t.Error("matching key should be authorized")
	}
	for _, caller := range []string{"", "s3cre", "s3cret ", "S3CRET"} {
		if a.IsAuthorizedResolver(ctx, caller) {
			t.Errorf("caller %q should not be authorized", caller)
		}
	}
}

func TestStaticKey_EmptyKeyAuthorizesNobody(t *testing.T) {
	if NewStaticKey("").IsAuthorizedResolver(context.Background(), "") {
		t.Error("empty key must not authorize an empty caller")
	}
}

func TestAllowlist(t *testing.T) {
	ctx := context.Background()
	a := NewAllowlist(resolver, "not-an-address")

	if a.Len() != 1 {
		t.Fatalf("expected 1 resolver, got %d", a.Len())
	}
	if !a.IsAuthorizedResolver(ctx, strings.ToUpper(resolver[2:])) {
		t.Error("address should match regardless of case and prefix")
	}
	if a.IsAuthorizedResolver(ctx, "0x0000000000000000000000000000000000000001") {
		t.Error("unknown address should not be authorized")
	}
	if a.IsAuthorizedResolver(ctx, "garbage") {
		t.Error("non-address caller should not be authorized")
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()
	a := Any{nil, NewStaticKey("k"), NewAllowlist(resolver)}

	if !a.IsAuthorizedResolver(ctx, "k") {
		t.Error("static key member should authorize")
	}
	if !a.IsAuthorizedResolver(ctx, resolver) {
		t.Error("allowlist member should authorize")
	}
	if a.IsAuthorizedResolver(ctx, "other") {
		t.Error("no member should authorize other")
	}
}
