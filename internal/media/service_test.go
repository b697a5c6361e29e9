package media

import (
	"strings"
	"testing"
)

func TestAllowedPhotoType(t *testing.T) {
	for _, contentType := range []string{"image/jpeg", "image/png", "image/webp"} {
		if !AllowedPhotoType(contentType) {
			t.Fatalf("expected %s to be allowed", contentType)
		}
	}
	for _, contentType := range []string{"image/gif", "application/pdf", "text/html", ""} {
		if AllowedPhotoType(contentType) {
			t.Fatalf("expected %s to be rejected", contentType)
		}
	}
}

func TestPhotoKeyScopedToIssue(t *testing.T) {
	key := PhotoKey("iss_abc", "image/png")
	if !strings.HasPrefix(key, "issues/iss_abc/") {
		t.Fatalf("expected issue prefix, got %s", key)
	}
	if !strings.HasSuffix(key, ".png") {
		t.Fatalf("expected .png suffix, got %s", key)
	}

	other := PhotoKey("iss_abc", "image/png")
	if other == key {
		t.Fatal("expected unique keys for repeated uploads")
	}
}
