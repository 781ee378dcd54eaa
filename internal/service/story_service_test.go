package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyteller-server/internal/messaging"
	messagingmocks "storyteller-server/internal/messaging/mocks"
	"storyteller-server/internal/models"
	repomocks "storyteller-server/internal/repository/mocks"
	"storyteller-server/internal/service/mocks"
	"storyteller-server/internal/session"
)

type fixture struct {
	svc          *StoryService
	sessions     *session.Store
	narrative    *mocks.NarrativeClient
	illustration *mocks.IllustrationClient
	repo         *repomocks.StoryRepository
	tasks        *messagingmocks.RelocationTaskPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions:     session.NewStore(nil, zap.NewNop()),
		narrative:    new(mocks.NarrativeClient),
		illustration: new(mocks.IllustrationClient),
		repo:         new(repomocks.StoryRepository),
		tasks:        new(messagingmocks.RelocationTaskPublisher),
	}
	f.svc = NewStoryService(f.sessions, f.narrative, f.illustration, f.repo, f.tasks, zap.NewNop())
	return f
}

func parsedTurn(text string) *models.ParsedStoryResponse {
	return &models.ParsedStoryResponse{
		StoryText:          text,
		PossibleActions:    []string{"look around", "go north"},
		IllustrationPrompt: "a dark stone corridor lit by torches",
		Location:           &models.Location{X: 3, Y: 7},
	}
}

func TestStartStorySuccess(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("You wake up in a dungeon."), nil)
	f.illustration.On("Generate", mock.Anything, "a dark stone corridor lit by torches").
		Return("https://temp.example.com/img-0.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.MatchedBy(func(p messaging.RelocationTaskPayload) bool {
		return p.SlotIndex == 0 && p.TempURL == "https://temp.example.com/img-0.png" && p.TaskID != ""
	})).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "You wake up in a dungeon.", result.StoryText)
	assert.Equal(t, []string{"look around", "go north"}, result.PossibleActions)
	assert.Equal(t, "https://temp.example.com/img-0.png", result.ImageURL)
	assert.Equal(t, 0, result.SlotIndex)
	require.NotNil(t, result.Location)
	assert.Equal(t, models.Location{X: 3, Y: 7}, *result.Location)

	// Журнал: системная инструкция + открывающий ход ассистента
	snapshot, ok := f.sessions.Snapshot(result.SessionID)
	require.True(t, ok)
	require.Len(t, snapshot.Conversation, 2)
	assert.Equal(t, models.RoleSystemInstruction, snapshot.Conversation[0].Role)
	assert.Contains(t, snapshot.Conversation[0].Text, "haunted castle")
	assert.Equal(t, models.RoleAssistantNarration, snapshot.Conversation[1].Role)
	assert.Equal(t, []string{"https://temp.example.com/img-0.png"}, snapshot.Images)
	assert.True(t, snapshot.IsAnonymous)

	f.tasks.AssertExpectations(t)
	f.repo.AssertExpectations(t)
}

func TestStartStoryEmptySetting(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartStory(context.Background(), "   ", nil)
	assert.Error(t, err)
	f.narrative.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartStoryOpeningTurnFailureDiscardsSession(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").
		Return(nil, fmt.Errorf("%w: model returned prose", models.ErrMalformedModelOutput))

	_, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	assert.ErrorIs(t, err, models.ErrMalformedModelOutput)
	f.repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.illustration.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestSubmitActionSuccess(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil).Once()
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	started, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "go north").Return(parsedTurn("You walk north."), nil).Once()

	result, err := f.svc.SubmitAction(context.Background(), started.SessionID, "go north", nil)
	require.NoError(t, err)
	assert.Equal(t, "You walk north.", result.StoryText)
	assert.Equal(t, 1, result.SlotIndex)

	snapshot, ok := f.sessions.Snapshot(started.SessionID)
	require.True(t, ok)
	// system, assistant, user, assistant
	require.Len(t, snapshot.Conversation, 4)
	assert.Equal(t, models.RoleUserAction, snapshot.Conversation[2].Role)
	assert.Equal(t, "go north", snapshot.Conversation[2].Text)
	assert.Len(t, snapshot.Images, 2)
}

func TestSubmitActionUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitAction(context.Background(), "no-such-session", "go north", nil)
	assert.ErrorIs(t, err, models.ErrSessionNotActive)
}

func TestSubmitActionDeniedForForeignOwnedStory(t *testing.T) {
	f := newFixture(t)

	owner := uuid.New()
	stranger := uuid.New()
	f.sessions.Put(context.Background(), &models.Session{
		ID:          "owned-1",
		OwnerID:     &owner,
		IsAnonymous: false,
		Conversation: []models.Turn{
			{Role: models.RoleSystemInstruction, Text: "x"},
			{Role: models.RoleAssistantNarration, Text: "Opening."},
		},
	})

	// Чужая именная история не продолжается и не раскрывает существования
	_, err := f.svc.SubmitAction(context.Background(), "owned-1", "go north", &stranger)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = f.svc.SubmitAction(context.Background(), "owned-1", "go north", nil)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	// Журнал не тронут, модель не вызывалась
	snapshot, ok := f.sessions.Snapshot("owned-1")
	require.True(t, ok)
	assert.Len(t, snapshot.Conversation, 2)
	f.narrative.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)

	// Владелец продолжает историю как обычно
	f.narrative.On("Complete", mock.Anything, mock.Anything, "go north").Return(parsedTurn("You walk north."), nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.SubmitAction(context.Background(), "owned-1", "go north", &owner)
	require.NoError(t, err)
	assert.Equal(t, "You walk north.", result.StoryText)
}

func TestSubmitActionTurnWithoutLocation(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(&models.ParsedStoryResponse{
		StoryText:          "You wake up in a dungeon.",
		PossibleActions:    []string{"look around"},
		IllustrationPrompt: "a dark stone corridor",
	}, nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)
	assert.Nil(t, result.Location)
}

func TestSubmitActionFailedTurnKeepsUserActionInJournal(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil).Once()
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	started, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "open the door").
		Return(nil, fmt.Errorf("%w: timeout", models.ErrUpstreamUnavailable)).Once()

	_, err = f.svc.SubmitAction(context.Background(), started.SessionID, "open the door", nil)
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)

	// Действие осталось в журнале, повторная отправка добавит его еще раз
	snapshot, ok := f.sessions.Snapshot(started.SessionID)
	require.True(t, ok)
	require.Len(t, snapshot.Conversation, 3)
	assert.Equal(t, "open the door", snapshot.Conversation[2].Text)

	var resubmitJournal []models.Turn
	f.narrative.On("Complete", mock.Anything, mock.Anything, "open the door").
		Run(func(args mock.Arguments) {
			resubmitJournal = args.Get(1).([]models.Turn)
		}).
		Return(parsedTurn("The door creaks open."), nil).Once()

	_, err = f.svc.SubmitAction(context.Background(), started.SessionID, "open the door", nil)
	require.NoError(t, err)

	// Повторный ход видит журнал вместе с первым, неудавшимся действием
	require.Len(t, resubmitJournal, 3)
	assert.Equal(t, "open the door", resubmitJournal[2].Text)

	snapshot, _ = f.sessions.Snapshot(started.SessionID)
	require.Len(t, snapshot.Conversation, 5)
	assert.Equal(t, snapshot.Conversation[2].Text, snapshot.Conversation[3].Text)
}

func TestSubmitActionIllustrationFailureKeepsTurn(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil).Once()
	f.illustration.On("Generate", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: image API down", models.ErrUpstreamUnavailable))
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	// Ход состоялся, но без иллюстрации и без задачи релокации
	assert.Empty(t, result.ImageURL)
	f.tasks.AssertNotCalled(t, "PublishRelocationTask", mock.Anything, mock.Anything)
	f.repo.AssertExpectations(t)

	snapshot, ok := f.sessions.Snapshot(result.SessionID)
	require.True(t, ok)
	assert.Empty(t, snapshot.Images)
	assert.Empty(t, snapshot.CurrentImageURL)
}

func TestPersistFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("database unreachable"))

	result, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.StoryText)
}

func TestLoadStoryHydratesActiveRotation(t *testing.T) {
	f := newFixture(t)

	saved := &models.Session{
		ID:      "saved-1",
		Setting: "haunted castle",
		Conversation: []models.Turn{
			{Role: models.RoleSystemInstruction, Text: session.SystemInstruction("haunted castle")},
			{Role: models.RoleAssistantNarration, Text: "Opening."},
		},
		Images:         []string{"https://cdn.example.com/saved-1/0.png"},
		PendingActions: []string{"look around"},
		IsAnonymous:    true,
	}
	f.repo.On("GetByID", mock.Anything, "saved-1").Return(saved, nil)

	loaded, err := f.svc.LoadStory(context.Background(), "saved-1", nil)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, loaded.ID)

	// История снова в активном обороте: следующий ход работает
	f.narrative.On("Complete", mock.Anything, mock.Anything, "look around").Return(parsedTurn("You look around."), nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.SubmitAction(context.Background(), "saved-1", "look around", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SlotIndex)
}

func TestLoadStoryDeniedForForeignOwnedStory(t *testing.T) {
	f := newFixture(t)

	owner := uuid.New()
	stranger := uuid.New()
	f.repo.On("GetByID", mock.Anything, "owned-1").Return(&models.Session{
		ID:          "owned-1",
		OwnerID:     &owner,
		IsAnonymous: false,
	}, nil)

	// Чужая история не раскрывает своего существования
	_, err := f.svc.LoadStory(context.Background(), "owned-1", &stranger)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = f.svc.LoadStory(context.Background(), "owned-1", nil)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestDeleteStoryEvictsActiveSession(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	started, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	snapshot, _ := f.sessions.Snapshot(started.SessionID)
	f.repo.On("GetByID", mock.Anything, started.SessionID).Return(snapshot, nil)
	f.repo.On("Delete", mock.Anything, started.SessionID).Return(nil)

	require.NoError(t, f.svc.DeleteStory(context.Background(), started.SessionID, nil))

	_, ok := f.sessions.Snapshot(started.SessionID)
	assert.False(t, ok)
}

func TestClaimStoryUpdatesActiveCopy(t *testing.T) {
	f := newFixture(t)

	f.narrative.On("Complete", mock.Anything, mock.Anything, "").Return(parsedTurn("Opening."), nil)
	f.illustration.On("Generate", mock.Anything, mock.Anything).Return("https://temp.example.com/img.png", nil)
	f.tasks.On("PublishRelocationTask", mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	started, err := f.svc.StartStory(context.Background(), "haunted castle", nil)
	require.NoError(t, err)

	owner := uuid.New()
	f.repo.On("Claim", mock.Anything, started.SessionID, owner).Return(nil)

	require.NoError(t, f.svc.ClaimStory(context.Background(), started.SessionID, owner))

	snapshot, ok := f.sessions.Snapshot(started.SessionID)
	require.True(t, ok)
	assert.False(t, snapshot.IsAnonymous)
	require.NotNil(t, snapshot.OwnerID)
	assert.Equal(t, owner, *snapshot.OwnerID)
}

func TestClaimStoryAlreadyOwned(t *testing.T) {
	f := newFixture(t)

	owner := uuid.New()
	f.repo.On("Claim", mock.Anything, "owned-1", owner).
		Return(fmt.Errorf("%w: story owned-1", models.ErrSessionNotAnonymous))

	err := f.svc.ClaimStory(context.Background(), "owned-1", owner)
	assert.ErrorIs(t, err, models.ErrSessionNotAnonymous)
}
