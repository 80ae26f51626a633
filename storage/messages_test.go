package storage

import (
	"strings"
	"testing"
	"time"

	"parley/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()
	store, err := NewMessageStore(t.TempDir(), "chat.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndLoadRecent(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"first", "second", "third"} {
		msg := model.NewTextMessage(model.RoleUser, text)
		msg.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Append(msg))
	}

	msgs, err := store.LoadRecent(2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].FirstText(), "newest two, returned oldest first")
	assert.Equal(t, "third", msgs[1].FirstText())

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLoadRecentTruncatesText(t *testing.T) {
	store := newTestStore(t)

	long := strings.Repeat("x", 100)
	require.NoError(t, store.Append(model.NewTextMessage(model.RoleAssistant, long)))

	result := model.Message{
		Role: model.RoleUser,
		Blocks: []model.ContentBlock{
			model.NewTextBlock("short"),
			{Kind: model.BlockToolResult, ToolUseID: "t1", Content: []model.ContentBlock{model.NewTextBlock(long)}},
		},
	}
	require.NoError(t, store.Append(result))

	msgs, err := store.LoadRecent(10, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, strings.Repeat("x", 10)+TruncationSuffix, msgs[0].FirstText())
	assert.Equal(t, "short", msgs[1].FirstText(), "bodies under the limit are untouched")
	assert.Equal(t, strings.Repeat("x", 10)+TruncationSuffix, msgs[1].Blocks[1].Content[0].Text, "nested tool_result text is truncated too")
}

func TestRoundTripPreservesBlockFields(t *testing.T) {
	store := newTestStore(t)

	msg := model.Message{
		Role: model.RoleAssistant,
		Blocks: []model.ContentBlock{
			model.NewTextBlock("running it"),
			{Kind: model.BlockToolUse, ID: "t1", Name: "demo", Input: map[string]any{"k": "v"}},
		},
		Timestamp: time.Now(),
	}
	require.NoError(t, store.Append(msg))

	placeholder := model.UserPlaceholder()
	require.NoError(t, store.Append(placeholder))

	msgs, err := store.LoadRecent(10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	use := msgs[0].Blocks[1]
	assert.Equal(t, model.BlockToolUse, use.Kind)
	assert.Equal(t, "t1", use.ID)
	assert.Equal(t, "demo", use.Name)
	assert.Equal(t, map[string]any{"k": "v"}, use.Input)

	assert.True(t, msgs[1].IsPlaceholder())
	assert.True(t, msgs[1].Placeholder, "discriminator survives the round trip")
}

func TestLoadRecentEmpty(t *testing.T) {
	store := newTestStore(t)
	msgs, err := store.LoadRecent(5, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = store.LoadRecent(0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
