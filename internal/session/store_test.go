package session_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
	"storyteller-server/internal/session"
)

func newParsedResponse(text string, actions ...string) *models.ParsedStoryResponse {
	return &models.ParsedStoryResponse{
		StoryText:          text,
		PossibleActions:    actions,
		IllustrationPrompt: "an illustration of " + text,
	}
}

func TestStartSeedsSystemInstruction(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())

	sess := store.Start(ctx, "a quiet harbor town", nil)

	require.Len(t, sess.Conversation, 1)
	assert.Equal(t, models.RoleSystemInstruction, sess.Conversation[0].Role)
	// Сеттинг должен быть подставлен в шаблон
	assert.Contains(t, sess.Conversation[0].Text, "a quiet harbor town")
	assert.NotContains(t, sess.Conversation[0].Text, "{setting}")
	// Ходов ассистента до первого ответа модели нет
	assert.Equal(t, 0, sess.AssistantTurnCount())
	assert.Empty(t, sess.Images)
	assert.True(t, sess.IsAnonymous)
	assert.NotEmpty(t, sess.ID)
}

func TestStartWithOwner(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	ownerID := uuid.New()

	sess := store.Start(ctx, "the ruins of an ancient library", &ownerID)

	assert.False(t, sess.IsAnonymous)
	require.NotNil(t, sess.OwnerID)
	assert.Equal(t, ownerID, *sess.OwnerID)
}

func TestAppendOnlyConversation(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	sess := store.Start(ctx, "a moonlit swamp", nil)

	require.NoError(t, store.AppendUserAction(ctx, sess.ID, "open the door"))
	slot, err := store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("The door creaks open.", "enter", "run away"))
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Conversation, 3)
	assert.Equal(t, models.RoleSystemInstruction, got.Conversation[0].Role)
	assert.Equal(t, models.RoleUserAction, got.Conversation[1].Role)
	assert.Equal(t, "open the door", got.Conversation[1].Text)
	assert.Equal(t, models.RoleAssistantNarration, got.Conversation[2].Role)
	assert.Equal(t, []string{"enter", "run away"}, got.PendingActions)
}

func TestPendingActionsReplacedWholesale(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	sess := store.Start(ctx, "a desert caravan", nil)

	_, err := store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("You see dunes.", "walk north", "dig"))
	require.NoError(t, err)
	_, err = store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("A sandstorm rises.", "take cover"))
	require.NoError(t, err)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"take cover"}, got.PendingActions)
}

func TestSlotIndexAlignedWithAssistantTurns(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	sess := store.Start(ctx, "a glacier cave", nil)

	for i := 0; i < 3; i++ {
		slot, err := store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("scene", "go on"))
		require.NoError(t, err)
		assert.Equal(t, i, slot)
	}
}

func TestSetImageAt(t *testing.T) {
	ctx := context.Background()

	t.Run("Optimistic write then durable overwrite", func(t *testing.T) {
		store := session.NewStore(nil, zap.NewNop())
		sess := store.Start(ctx, "an abandoned lighthouse", nil)
		slot, err := store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("Waves crash below.", "climb"))
		require.NoError(t, err)

		require.NoError(t, store.SetImageAt(ctx, sess.ID, slot, "https://tmp.example/abc.png"))
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got.Images, 1)
		assert.Equal(t, "https://tmp.example/abc.png", got.Images[0])
		assert.Equal(t, "https://tmp.example/abc.png", got.CurrentImageURL)

		// Повторная запись того же слота постоянным URL
		require.NoError(t, store.SetImageAt(ctx, sess.ID, slot, "https://cdn.example/"+sess.ID+"/0.png"))
		got, err = store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got.Images, 1)
		assert.Equal(t, "https://cdn.example/"+sess.ID+"/0.png", got.Images[0])
	})

	t.Run("Grows slice for late slot", func(t *testing.T) {
		store := session.NewStore(nil, zap.NewNop())
		sess := store.Start(ctx, "a fog-bound valley", nil)

		require.NoError(t, store.SetImageAt(ctx, sess.ID, 2, "https://tmp.example/late.png"))
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got.Images, 3)
		assert.Equal(t, "", got.Images[0])
		assert.Equal(t, "", got.Images[1])
		assert.Equal(t, "https://tmp.example/late.png", got.Images[2])
	})

	t.Run("Evicted session is not touched", func(t *testing.T) {
		store := session.NewStore(nil, zap.NewNop())
		sess := store.Start(ctx, "a sunken city", nil)
		store.Evict(ctx, sess.ID)

		err := store.SetImageAt(ctx, sess.ID, 0, "https://tmp.example/stale.png")
		assert.ErrorIs(t, err, models.ErrSessionNotActive)
	})
}

func TestGetUnknownDoesNotMutateOthers(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	sess := store.Start(ctx, "a clockwork tower", nil)
	_, err := store.AppendAssistantTurn(ctx, sess.ID, newParsedResponse("Gears grind.", "oil them"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "no-such-session")
	assert.ErrorIs(t, err, models.ErrSessionNotActive)

	// Существующая сессия осталась нетронутой
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Conversation, 2)
	assert.Equal(t, []string{"oil them"}, got.PendingActions)
}

func TestReturnedSessionIsACopy(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())
	sess := store.Start(ctx, "a thunderstorm at sea", nil)

	// Мутация возвращенной копии не должна влиять на хранилище
	sess.Conversation[0].Text = "tampered"
	sess.PendingActions = append(sess.PendingActions, "cheat")

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, strings.Contains(got.Conversation[0].Text, "tampered"))
	assert.Empty(t, got.PendingActions)
}

func TestPutReplacesAllFields(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil, zap.NewNop())

	loaded := &models.Session{
		ID:      "restored-id",
		Setting: "a painted desert",
		Conversation: []models.Turn{
			{Role: models.RoleSystemInstruction, Text: session.SystemInstruction("a painted desert")},
			{Role: models.RoleAssistantNarration, Text: "You stand among red mesas."},
		},
		Images:         []string{"https://cdn.example/restored-id/0.png"},
		PendingActions: []string{"walk east"},
		IsAnonymous:    true,
	}
	store.Put(ctx, loaded)

	got, err := store.Get(ctx, "restored-id")
	require.NoError(t, err)
	assert.Equal(t, "a painted desert", got.Setting)
	assert.Len(t, got.Conversation, 2)
	assert.Equal(t, []string{"walk east"}, got.PendingActions)
	assert.Equal(t, 1, got.AssistantTurnCount())
}
