package ollama

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStore(t *testing.T, name, tag, digestHex string) string {
	t.Helper()
	root := t.TempDir()

	manifestDir := filepath.Join(root, "manifests", defaultRegistry, defaultLibrary, name)
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"schemaVersion":2,"layers":[
		{"mediaType":"application/vnd.ollama.image.template","digest":"sha256:aaaa","size":10},
		{"mediaType":"` + modelMediaType + `","digest":"sha256:` + digestHex + `","size":128}
	]}`
	if err := os.WriteFile(filepath.Join(manifestDir, tag), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	blobDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(blobDir, "sha256-"+digestHex), []byte("blob"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestResolve(t *testing.T) {
	root := writeStore(t, "tinymodel", "latest", "0123abcd")
	t.Setenv("OLLAMA_MODELS", root)

	path, err := Resolve("tinymodel")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "blobs", "sha256-0123abcd")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
}

func TestResolveTagged(t *testing.T) {
	root := writeStore(t, "tinymodel", "8b", "ffff0000")
	t.Setenv("OLLAMA_MODELS", root)

	if _, err := Resolve("tinymodel"); err == nil {
		t.Error("untagged reference resolved without a latest manifest")
	}
	path, err := Resolve("tinymodel:8b")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "sha256-ffff0000" {
		t.Errorf("path = %s", path)
	}
}

func TestResolveMissing(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", t.TempDir())
	if _, err := Resolve("absent"); err == nil {
		t.Error("missing model resolved")
	}
	if _, err := Resolve(""); err == nil {
		t.Error("empty reference resolved")
	}
}
