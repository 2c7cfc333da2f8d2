package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalUploadAndURL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "http://localhost:8080/media/")
	if err != nil {
		t.Fatal(err)
	}

	if err := l.UploadFile(context.Background(), "acme/msg-1.png", strings.NewReader("png"), "image/png"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "acme", "msg-1.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png" {
		t.Errorf("content = %q, want png", data)
	}

	if got := l.PublicURL("acme/msg-1.png"); got != "http://localhost:8080/media/acme/msg-1.png" {
		t.Errorf("PublicURL = %q", got)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../etc/passwd", "", "/"} {
		err := l.UploadFile(context.Background(), key, strings.NewReader("x"), "")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("UploadFile(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestLocalUploadHonorsContext(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.UploadFile(ctx, "a/b", strings.NewReader("x"), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
