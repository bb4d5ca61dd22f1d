// Package ollama resolves model names against a local Ollama store, so a
// model pulled with ollama can be loaded by name instead of blob path.
package ollama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultRegistry = "registry.ollama.ai"
	defaultLibrary  = "library"
	defaultTag      = "latest"

	modelMediaType = "application/vnd.ollama.image.model"
)

type manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	Layers        []struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
	} `json:"layers"`
}

// Dir returns the Ollama model store root. OLLAMA_MODELS overrides the
// default of ~/.ollama/models.
func Dir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve maps a model reference like "llama3" or "llama3:8b" to the path
// of its model blob. References without a tag use "latest".
func Resolve(ref string) (string, error) {
	name, tag := ref, defaultTag
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		name, tag = ref[:i], ref[i+1:]
	}
	if name == "" {
		return "", fmt.Errorf("empty model reference")
	}

	root, err := Dir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(root, "manifests", defaultRegistry, defaultLibrary, name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("model %s:%s not in local store: %w", name, tag, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("manifest %s: %w", manifestPath, err)
	}

	digest := ""
	for _, l := range m.Layers {
		if l.MediaType == modelMediaType {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("manifest %s has no model layer", manifestPath)
	}

	// Blobs are stored as sha256-<hex>, digests written sha256:<hex>.
	blob := filepath.Join(root, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("model blob %s: %w", blob, err)
	}
	return blob, nil
}
