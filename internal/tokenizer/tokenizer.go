// Package tokenizer maps between text and token ids using the model's
// embedded vocabulary. Encoding is greedy longest match, which is enough
// for prompting; it does not reproduce BPE merge order.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/arbalest/internal/gguf"
)

// spaceMarker is the SentencePiece word-boundary rune.
const spaceMarker = "▁"

type Tokenizer struct {
	tokens []string
	vocab  map[string]int
	maxLen int
}

// New builds a tokenizer from a parsed model's vocabulary.
func New(f *gguf.File) (*Tokenizer, error) {
	if len(f.Vocab.Tokens) == 0 {
		return nil, fmt.Errorf("model carries no vocabulary")
	}
	t := &Tokenizer{
		tokens: f.Vocab.Tokens,
		vocab:  make(map[string]int, len(f.Vocab.Tokens)),
	}
	for i, s := range f.Vocab.Tokens {
		// First occurrence wins so duplicate pieces stay stable.
		if _, ok := t.vocab[s]; !ok {
			t.vocab[s] = i
		}
		if len(s) > t.maxLen {
			t.maxLen = len(s)
		}
	}
	return t, nil
}

// Vocab returns the vocabulary size.
func (t *Tokenizer) Vocab() int { return len(t.tokens) }

// Encode converts text to token ids, longest vocabulary match first.
// Characters with no covering token are skipped.
func (t *Tokenizer) Encode(text string) []int {
	// Normalize spaces to the boundary marker used by the vocabulary,
	// if the vocabulary uses it.
	_, marked := t.vocab[spaceMarker]
	if marked {
		text = strings.ReplaceAll(text, " ", spaceMarker)
	}

	var ids []int
	for i := 0; i < len(text); {
		end := i + t.maxLen
		if end > len(text) {
			end = len(text)
		}
		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.vocab[text[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			// Skip the whole rune so its trailing bytes cannot match
			// vocabulary pieces on their own.
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
		}
	}
	return ids
}

// Decode concatenates token pieces back to text.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			continue
		}
		sb.WriteString(t.tokens[id])
	}
	return strings.ReplaceAll(sb.String(), spaceMarker, " ")
}
