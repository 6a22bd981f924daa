package textenc

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWords(t *testing.T) {
	t.Parallel()
	got := Words("A Photo of an Astronaut, riding-a horse!  4K")
	want := []string{"a", "photo", "of", "an", "astronaut", "riding", "a", "horse", "4k"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Words mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizerEncode(t *testing.T) {
	t.Parallel()
	tok := NewTokenizer(100, 6)

	ids := tok.Encode("Cat cat")
	require.Len(t, ids, 6)
	require.Equal(t, tok.BOSTokenID, ids[0])
	require.Equal(t, ids[1], ids[2], "case folding")
	require.Equal(t, tok.EOSTokenID, ids[3])
	require.Equal(t, []int{0, 0}, ids[4:])
	require.GreaterOrEqual(t, ids[1], reservedTokens)
	require.Less(t, ids[1], 100)

	long := tok.Encode("one two three four five six seven")
	require.Len(t, long, 6)
	require.Equal(t, tok.EOSTokenID, long[5])

	empty := tok.Encode("")
	require.Equal(t, []int{1, 2, 0, 0, 0, 0}, empty)
}

func TestEncodeShapeAndDeterminism(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := New(DefaultConfig(), 3)
	require.NoError(t, err)

	a, err := e.Encode(ctx, []string{"a red fox", ""})
	require.NoError(t, err)
	require.Equal(t, []int{2, 16, 32}, a.Shape)

	b, err := e.Encode(ctx, []string{"a red fox", ""})
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)

	c, err := e.Encode(ctx, []string{"a blue fox"})
	require.NoError(t, err)
	require.NotEqual(t, a.Data[:16*32], c.Data)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, err := New(DefaultConfig(), 3)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, e.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, e.Config(), loaded.Config())

	a, _ := e.Encode(ctx, []string{"lighthouse at dusk"})
	b, _ := loaded.Encode(ctx, []string{"lighthouse at dusk"})
	require.Equal(t, a.Data, b.Data)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{VocabSize: 3, HiddenSize: 4, MaxPositionEmbeddings: 4}, 1)
	require.Error(t, err)
	_, err = New(Config{VocabSize: 10, HiddenSize: 4, MaxPositionEmbeddings: 1}, 1)
	require.Error(t, err)
}
