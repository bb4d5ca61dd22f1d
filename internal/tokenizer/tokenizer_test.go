package tokenizer

import (
	"testing"

	"github.com/23skdu/arbalest/internal/gguf"
	"github.com/23skdu/arbalest/internal/ggufgen"
)

func vocabFile(t *testing.T, tokens []string) *gguf.File {
	t.Helper()
	data, err := ggufgen.New().
		AddStringArray("tokenizer.ggml.tokens", tokens).
		Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEncodeLongestMatch(t *testing.T) {
	tok, err := New(vocabFile(t, []string{"h", "e", "l", "o", "he", "hell", "hello"}))
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("hello")
	if len(ids) != 1 || ids[0] != 6 {
		t.Errorf("ids = %v", ids)
	}
	ids = tok.Encode("hell")
	if len(ids) != 1 || ids[0] != 5 {
		t.Errorf("ids = %v", ids)
	}
	// Unknown characters are skipped.
	ids = tok.Encode("hxe")
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("ids = %v", ids)
	}
}

// An unmatched multi-byte rune is skipped whole. Its continuation bytes
// must not match vocabulary pieces that happen to share them.
func TestEncodeSkipsUnknownRuneWhole(t *testing.T) {
	// "\x82" is the middle byte of the UTF-8 encoding of the euro sign.
	tok, err := New(vocabFile(t, []string{"a", "b", "\x82"}))
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("a€b")
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("ids = %v", ids)
	}
}

func TestRoundTrip(t *testing.T) {
	tok, err := New(vocabFile(t, []string{"▁", "a", "b", "ab", "▁ab"}))
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode("ab ab")
	if got := tok.Decode(ids); got != "ab ab" {
		t.Errorf("round trip = %q, ids %v", got, ids)
	}
}

func TestEmptyVocabRejected(t *testing.T) {
	data, err := ggufgen.New().Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(f); err == nil {
		t.Fatal("tokenizer accepted an empty vocabulary")
	}
}
