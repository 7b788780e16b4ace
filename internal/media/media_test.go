package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHash(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash([]byte("abc")); got != want {
		t.Errorf("Hash = %s, want %s", got, want)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/ogg; codecs=opus": ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/amr":              ".amr",
		"":                       ".bin",
	}
	for in, want := range tests {
		if got := ExtensionFor(in); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBlobStorePutIsContentAddressed(t *testing.T) {
	root := t.TempDir()
	b, err := NewBlobStore(root)
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	data := []byte("voice-note")
	sha := Hash(data)

	path, err := b.Put("ft_1", sha, "audio/ogg", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	want := filepath.Join(root, "ft_1", sha[:2], sha+".ogg")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "voice-note" {
		t.Fatalf("stored bytes = %q, %v", got, err)
	}

	again, err := b.Put("ft_1", sha, "audio/ogg", data)
	if err != nil || again != path {
		t.Errorf("second Put = %s, %v", again, err)
	}
	if err := b.Verify(path, sha); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestBlobStoreRewritesCorruptBlob(t *testing.T) {
	b, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	data := []byte("good")
	sha := Hash(data)
	path := b.PathFor("ft_1", sha, "audio/ogg")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("corrupt"), 0644)

	if err := b.Verify(path, sha); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if _, err := b.Put("ft_1", sha, "audio/ogg", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Verify(path, sha); err != nil {
		t.Errorf("blob not repaired: %v", err)
	}
}
