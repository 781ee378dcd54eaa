package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyteller-server/internal/messaging"
	"storyteller-server/internal/models"
	"storyteller-server/internal/repository"
	"storyteller-server/internal/session"
)

// NarrativeClient выполняет один повествовательный ход модели.
type NarrativeClient interface {
	Complete(ctx context.Context, conversation []models.Turn, action string) (*models.ParsedStoryResponse, error)
}

// IllustrationClient генерирует иллюстрацию по текстовому промпту
// и возвращает временный URL.
type IllustrationClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TurnResult — результат одного хода истории, отдается клиенту.
type TurnResult struct {
	SessionID       string
	StoryText       string
	PossibleActions []string
	// Location - координата хода; nil, если модель ее не вернула
	Location *models.Location
	// ImageURL - временный URL иллюстрации; пустая строка, если генерация
	// не удалась (ход без картинки)
	ImageURL  string
	SlotIndex int
}

// StoryService связывает хранилище сессий, повествовательный API, генерацию
// иллюстраций и шлюз персистентности в один игровой цикл.
type StoryService struct {
	sessions     *session.Store
	narrative    NarrativeClient
	illustration IllustrationClient
	repo         repository.StoryRepository
	tasks        messaging.RelocationTaskPublisher
	logger       *zap.Logger
}

// NewStoryService создает новый StoryService.
func NewStoryService(
	sessions *session.Store,
	narrative NarrativeClient,
	illustration IllustrationClient,
	repo repository.StoryRepository,
	tasks messaging.RelocationTaskPublisher,
	logger *zap.Logger,
) *StoryService {
	return &StoryService{
		sessions:     sessions,
		narrative:    narrative,
		illustration: illustration,
		repo:         repo,
		tasks:        tasks,
		logger:       logger.Named("StoryService"),
	}
}

// StartStory начинает новую историю: создает сессию с системной инструкцией
// по сеттингу и выполняет открывающий ход модели. При сбое открывающего хода
// сессия не выживает: пользователь начнет заново.
func (s *StoryService) StartStory(ctx context.Context, setting string, ownerID *uuid.UUID) (*TurnResult, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil, fmt.Errorf("setting must not be empty")
	}

	sess := s.sessions.Start(ctx, setting, ownerID)
	log := s.logger.With(zap.String("session_id", sess.ID))

	parsed, err := s.narrative.Complete(ctx, sess.Conversation, "")
	if err != nil {
		s.sessions.Evict(ctx, sess.ID)
		log.Error("Opening turn failed, session discarded", zap.Error(err))
		return nil, err
	}

	return s.applyTurn(ctx, log, sess.ID, parsed)
}

// SubmitAction выполняет ход пользователя в активной сессии. Доступ
// проверяется по тем же правилам, что и при загрузке: чужая именная история
// недоступна и не раскрывает существования.
// Действие записывается в журнал до обращения к модели: при сбое хода оно
// остается в журнале, и повторная отправка добавит его еще раз. Модель
// переживает дубликат хода, а журнал честно отражает, что отправил игрок.
func (s *StoryService) SubmitAction(ctx context.Context, sessionID, action string, requesterID *uuid.UUID) (*TurnResult, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("action must not be empty")
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(sess, requesterID); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("session_id", sessionID))

	if err := s.sessions.AppendUserAction(ctx, sessionID, action); err != nil {
		return nil, err
	}

	// Журнал до добавления действия: хвостовую инструкцию к новому действию
	// добавляет сам клиент повествования
	parsed, err := s.narrative.Complete(ctx, sess.Conversation, action)
	if err != nil {
		log.Warn("Narrative turn failed", zap.Error(err))
		return nil, err
	}

	return s.applyTurn(ctx, log, sessionID, parsed)
}

// applyTurn фиксирует успешный ход модели: дописывает журнал, запускает
// генерацию иллюстрации и сохраняет снапшот.
func (s *StoryService) applyTurn(ctx context.Context, log *zap.Logger, sessionID string, parsed *models.ParsedStoryResponse) (*TurnResult, error) {
	slotIndex, err := s.sessions.AppendAssistantTurn(ctx, sessionID, parsed)
	if err != nil {
		return nil, err
	}

	imageURL := s.generateIllustration(ctx, log, sessionID, slotIndex, parsed.IllustrationPrompt)

	s.persistSnapshot(ctx, log, sessionID)

	return &TurnResult{
		SessionID:       sessionID,
		StoryText:       parsed.StoryText,
		PossibleActions: parsed.PossibleActions,
		Location:        parsed.Location,
		ImageURL:        imageURL,
		SlotIndex:       slotIndex,
	}, nil
}

// generateIllustration генерирует картинку хода и ставит задачу релокации.
// Любой сбой не фатален: ход остается без иллюстрации.
func (s *StoryService) generateIllustration(ctx context.Context, log *zap.Logger, sessionID string, slotIndex int, prompt string) string {
	tempURL, err := s.illustration.Generate(ctx, prompt)
	if err != nil {
		log.Warn("Illustration generation failed, turn goes without an image",
			zap.Int("slot_index", slotIndex),
			zap.Error(err))
		return ""
	}

	if err := s.sessions.SetImageAt(ctx, sessionID, slotIndex, tempURL); err != nil {
		log.Warn("Failed to record illustration in session", zap.Error(err))
		return tempURL
	}

	task := messaging.RelocationTaskPayload{
		TaskID:    uuid.NewString(),
		SessionID: sessionID,
		SlotIndex: slotIndex,
		TempURL:   tempURL,
	}
	if err := s.tasks.PublishRelocationTask(ctx, task); err != nil {
		// Задача потеряна - в истории останется временный URL
		log.Warn("Failed to enqueue relocation task", zap.Error(err))
	}
	return tempURL
}

// persistSnapshot сохраняет текущий снапшот сессии. Сбой не прерывает ход:
// активная сессия продолжает жить в памяти, а снапшот уедет при следующем
// успешном сохранении.
func (s *StoryService) persistSnapshot(ctx context.Context, log *zap.Logger, sessionID string) {
	snapshot, ok := s.sessions.Snapshot(sessionID)
	if !ok {
		log.Warn("Session vanished before persisting")
		return
	}
	if err := s.repo.Save(ctx, snapshot); err != nil {
		log.Error("Failed to persist story snapshot", zap.Error(err))
	}
}

// LoadStory загружает сохраненную историю и возвращает ее в активный оборот.
// Чужая именная история недоступна; анонимные истории открываются любому,
// кто знает идентификатор.
func (s *StoryService) LoadStory(ctx context.Context, sessionID string, requesterID *uuid.UUID) (*models.Session, error) {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(sess, requesterID); err != nil {
		return nil, err
	}

	s.sessions.Put(ctx, sess)
	s.logger.Info("Story loaded into active rotation",
		zap.String("session_id", sessionID),
		zap.Bool("anonymous", sess.IsAnonymous))
	return sess, nil
}

// ListStories возвращает истории пользователя, самые свежие первыми.
func (s *StoryService) ListStories(ctx context.Context, ownerID uuid.UUID) ([]*models.Session, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// DeleteStory удаляет историю и выводит ее из активного оборота.
func (s *StoryService) DeleteStory(ctx context.Context, sessionID string, requesterID *uuid.UUID) error {
	sess, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := authorize(sess, requesterID); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.sessions.Evict(ctx, sessionID)
	return nil
}

// ClaimStory присваивает анонимную историю пользователю. Гонка двух claim
// разрешается в базе: один выигрывает, второй получает ErrSessionNotAnonymous.
func (s *StoryService) ClaimStory(ctx context.Context, sessionID string, ownerID uuid.UUID) error {
	if err := s.repo.Claim(ctx, sessionID, ownerID); err != nil {
		return err
	}

	// Обновляем активную копию, если сессия в обороте
	if snapshot, ok := s.sessions.Snapshot(sessionID); ok {
		owner := ownerID
		snapshot.OwnerID = &owner
		snapshot.IsAnonymous = false
		s.sessions.Put(ctx, snapshot)
	}

	s.logger.Info("Story claimed",
		zap.String("session_id", sessionID),
		zap.String("user_id", ownerID.String()))
	return nil
}

// authorize проверяет доступ к истории. Закрытые истории не раскрывают
// своего существования посторонним.
func authorize(sess *models.Session, requesterID *uuid.UUID) error {
	if sess.IsAnonymous || sess.OwnerID == nil {
		return nil
	}
	if requesterID != nil && *requesterID == *sess.OwnerID {
		return nil
	}
	return fmt.Errorf("%w: story %s", models.ErrSessionNotFound, sess.ID)
}
