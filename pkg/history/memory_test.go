package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conv, err := store.CreateConversation(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, "user-1", conv.UserID)
	assert.False(t, conv.CreatedAt.IsZero())

	require.NoError(t, store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        "where is my order",
	}))
	require.NoError(t, store.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        "check the tracking page [1]",
		CitationsJSON:  `[{"number":1}]`,
		Confidence:     0.8,
	}))

	got, msgs, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, 0.8, msgs[1].Confidence)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestMemoryStoreGetConversationNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreAppendToUnknownConversation(t *testing.T) {
	store := NewMemoryStore()
	err := store.AppendMessage(context.Background(), &Message{
		ConversationID: "missing",
		Role:           "user",
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRecentMessagesWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessage(ctx, &Message{
			ConversationID: conv.ID,
			Role:           "user",
			Content:        fmt.Sprintf("turn %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := store.RecentMessages(ctx, conv.ID, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "turn 6", recent[0].Content, "oldest first inside the window")
	assert.Equal(t, "turn 9", recent[3].Content)

	all, err := store.RecentMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	none, err := store.RecentMessages(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreFeedback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	msg := &Message{ConversationID: conv.ID, Role: "assistant", Content: "answer"}
	require.NoError(t, store.AppendMessage(ctx, msg))

	require.NoError(t, store.RecordFeedback(ctx, &Feedback{
		MessageID: msg.ID,
		Helpful:   true,
		Comment:   "solved it",
	}))

	// Upsert replaces the previous verdict.
	require.NoError(t, store.RecordFeedback(ctx, &Feedback{MessageID: msg.ID, Helpful: false}))

	err = store.RecordFeedback(ctx, &Feedback{MessageID: "missing", Helpful: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "original"}))

	_, msgs, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	msgs[0].Content = "mutated"

	_, again, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}
