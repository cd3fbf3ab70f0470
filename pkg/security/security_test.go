package security

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestConfinePath(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "plain file", path: "report.html", want: filepath.Join(base, "report.html")},
		{name: "nested file", path: "2025/q1/report.html", want: filepath.Join(base, "2025", "q1", "report.html")},
		{name: "dot segments", path: "./a/./b.html", want: filepath.Join(base, "a", "b.html")},
		{name: "traversal", path: "../../../etc/passwd", wantErr: true},
		{name: "hidden traversal", path: "files/../../etc/passwd", wantErr: true},
		{name: "absolute", path: "/etc/passwd", wantErr: true},
		{name: "null byte", path: "a\x00.html", wantErr: true},
		{name: "empty", path: "  ", wantErr: true},
		{name: "base itself", path: ".", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfinePath(tt.path, base)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsafePath) {
					t.Fatalf("ConfinePath(%q) error = %v, want ErrUnsafePath", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ConfinePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	if !limiter.Allow("client1") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("client1") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("client1") {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiter_WaitContextCancel(t *testing.T) {
	limiter := NewRateLimiter(0.01, 1)
	limiter.Allow("c")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "c"); err == nil {
		t.Error("expected wait to fail when context expires")
	}
}

func TestToolRateLimiter(t *testing.T) {
	trl := NewToolRateLimiter()
	trl.SetToolLimit("web_search", 0.01, 1)

	if err := trl.Wait(context.Background(), "web_search"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := trl.Wait(ctx, "web_search"); err == nil {
		t.Error("expected second wait to be throttled")
	}
	if err := trl.Wait(ctx, "write_file"); err != nil {
		t.Errorf("unlimited tool should not wait: %v", err)
	}
}
