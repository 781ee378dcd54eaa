package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// systemInstructionTemplate - шаблон системной инструкции, задающий модели
// контракт ответа (фиксированный JSON) и правила текстового приключения.
// Подстановка {setting} выполняется при старте сессии.
const systemInstructionTemplate = "Act as a terminal for a zork clone text based dungeon adventure game based in {setting}. " +
	"Respond ONLY with descriptions of the environment and react to basic commands like moving in a direction or picking up items. " +
	"Begin the story in a randomly generated space and describe what the player sees. " +
	"Only return json objects as responses. The objects should have the parameters \"story-text\", which is just a string of the generated description, " +
	"\"possible-actions\", which is a list of possible actions that the user can take, " +
	"\"location\" which is an x,y pair that denotes the Euclidian distance from the starting location in steps with north and east being the positive directions. " +
	"Also include the parameter \"dall-e-prompt\" which contains a generated prompt for the generative art ai dall-e to produce an artistic storybook illustration " +
	"of the current description with lots of details in a hand-drawn style. " +
	"Keep track of the user's actions in a parameter called \"action-history\" that is a list of the actions that the user has take so far, with the corresponding location that the action happened."

// SystemInstruction возвращает системную инструкцию для заданного сеттинга.
func SystemInstruction(setting string) string {
	return strings.ReplaceAll(systemInstructionTemplate, "{setting}", setting)
}

// Cache определяет интерфейс для снапшот-кэша активных сессий.
type Cache interface {
	Store(ctx context.Context, session *models.Session) error
	Load(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// Store хранит активные сессии в памяти и является единственной точкой
// мутации состояния истории. Все операции над журналом - только append
// или идемпотентная запись слота иллюстрации; примитива отката нет.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	cache    Cache // может быть nil, кэш опционален
	logger   *zap.Logger
}

// NewStore создает новое хранилище активных сессий.
func NewStore(cache Cache, logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		cache:    cache,
		logger:   logger.Named("SessionStore"),
	}
}

// Start создает новую сессию: генерирует идентификатор и закладывает в журнал
// системную инструкцию с подставленным сеттингом.
func (s *Store) Start(ctx context.Context, setting string, ownerID *uuid.UUID) *models.Session {
	sess := &models.Session{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Setting: setting,
		Conversation: []models.Turn{
			{Role: models.RoleSystemInstruction, Text: SystemInstruction(setting)},
		},
		Images:         []string{},
		PendingActions: []string{},
		IsAnonymous:    ownerID == nil,
		UpdatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.writeCache(ctx, sess)
	s.logger.Info("Session started",
		zap.String("session_id", sess.ID),
		zap.String("setting", setting),
		zap.Bool("anonymous", sess.IsAnonymous),
	)
	return sess.Clone()
}

// Get возвращает копию активной сессии. При промахе по памяти пробует
// восстановить сессию из кэша (перезапуск или второй инстанс).
func (s *Store) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess.Clone(), nil
	}

	if s.cache != nil {
		cached, err := s.cache.Load(ctx, sessionID)
		if err == nil && cached != nil {
			s.mu.Lock()
			// Повторная проверка: сессия могла появиться, пока читали кэш
			if existing, ok := s.sessions[sessionID]; ok {
				s.mu.Unlock()
				return existing.Clone(), nil
			}
			s.sessions[sessionID] = cached
			s.mu.Unlock()
			s.logger.Debug("Session restored from cache", zap.String("session_id", sessionID))
			return cached.Clone(), nil
		}
	}

	return nil, models.ErrSessionNotActive
}

// Put полностью заменяет состояние сессии в памяти. Используется шлюзом
// персистентности при загрузке сохраненной истории.
func (s *Store) Put(ctx context.Context, sess *models.Session) {
	clone := sess.Clone()
	s.mu.Lock()
	s.sessions[clone.ID] = clone
	s.mu.Unlock()
	s.writeCache(ctx, clone)
}

// AppendUserAction добавляет ход пользователя в конец журнала.
func (s *Store) AppendUserAction(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.ErrSessionNotActive
	}
	sess.Conversation = append(sess.Conversation, models.Turn{
		Role: models.RoleUserAction,
		Text: text,
	})
	sess.UpdatedAt = time.Now().UTC()
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.writeCache(ctx, snapshot)
	return nil
}

// AppendAssistantTurn добавляет ход ассистента и целиком заменяет список
// предлагаемых действий. Возвращает индекс слота иллюстрации, выровненный
// с порядковым номером хода ассистента.
func (s *Store) AppendAssistantTurn(ctx context.Context, sessionID string, parsed *models.ParsedStoryResponse) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return 0, models.ErrSessionNotActive
	}
	sess.Conversation = append(sess.Conversation, models.Turn{
		Role: models.RoleAssistantNarration,
		Text: parsed.StoryText,
	})
	sess.PendingActions = append([]string(nil), parsed.PossibleActions...)
	sess.UpdatedAt = time.Now().UTC()
	slotIndex := sess.AssistantTurnCount() - 1
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.writeCache(ctx, snapshot)
	return slotIndex, nil
}

// SetImageAt записывает URL иллюстрации в слот. Запись идемпотентна и
// выполняется дважды за ход: сначала временный URL, затем постоянный после
// релокации. Политика разрешения конфликтов по слоту - last-write-wins.
func (s *Store) SetImageAt(ctx context.Context, sessionID string, index int, url string) error {
	if index < 0 {
		return models.ErrSessionNotActive
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		// Сессия уже выгружена из памяти: поздняя релокация пишет только в
		// durable-строку, обновление в памяти пропускаем
		return models.ErrSessionNotActive
	}
	for len(sess.Images) <= index {
		sess.Images = append(sess.Images, "")
	}
	sess.Images[index] = url
	sess.CurrentImageURL = url
	sess.UpdatedAt = time.Now().UTC()
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.writeCache(ctx, snapshot)
	return nil
}

// Snapshot возвращает копию сессии для сохранения, не меняя состояние.
func (s *Store) Snapshot(sessionID string) (*models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Evict выгружает сессию из памяти и кэша. Журнал при этом не изменяется:
// durable-копия остается системой записи.
func (s *Store) Evict(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Delete(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to delete session from cache", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// writeCache сохраняет снапшот сессии в кэш. Ошибка кэша не фатальна.
func (s *Store) writeCache(ctx context.Context, sess *models.Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Store(ctx, sess); err != nil {
		s.logger.Warn("Failed to write session snapshot to cache",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}
