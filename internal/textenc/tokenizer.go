package textenc

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Tokenizer maps words to ids by hashing. Ids 0, 1 and 2 are reserved for
// padding, beginning and end of text.
type Tokenizer struct {
	VocabSize  int
	MaxLength  int
	PADTokenID int
	BOSTokenID int
	EOSTokenID int
}

const reservedTokens = 3

// NewTokenizer returns a tokenizer producing sequences of maxLength ids.
func NewTokenizer(vocabSize, maxLength int) *Tokenizer {
	return &Tokenizer{
		VocabSize:  vocabSize,
		MaxLength:  maxLength,
		PADTokenID: 0,
		BOSTokenID: 1,
		EOSTokenID: 2,
	}
}

// Words splits text into lowercase words of letters and digits.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordID hashes a word into the non-reserved part of the vocabulary.
func (t *Tokenizer) WordID(word string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return reservedTokens + int(h.Sum32()%uint32(t.VocabSize-reservedTokens))
}

// Encode returns exactly MaxLength ids: BOS, the words, EOS, then padding.
// Words that do not fit are dropped.
func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, t.MaxLength)
	ids = append(ids, t.BOSTokenID)
	for _, w := range Words(text) {
		if len(ids) == t.MaxLength-1 {
			break
		}
		ids = append(ids, t.WordID(w))
	}
	ids = append(ids, t.EOSTokenID)
	for len(ids) < t.MaxLength {
		ids = append(ids, t.PADTokenID)
	}
	return ids
}
