package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client представляет собой одно WebSocket соединение, подписанное на историю.
// Канал send никогда не закрывается: завершение сигналится через done, чтобы
// отправка из долгоживущей горутины-консьюмера не могла попасть в закрытый
// канал при одновременном отключении подписчика.
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	send      chan []byte   // Канал для отправки сообщений этому клиенту
	done      chan struct{} // Закрывается при завершении клиента
	closeOnce sync.Once
}

// shutdown завершает клиента. Безопасен при повторных вызовах: менеджер и
// readPump могут закрывать одного и того же клиента с разных сторон.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// ConnectionManager управляет активными WebSocket соединениями.
// Соединения ключуются по ID истории: клиент подписывается на обновления
// изображений конкретной сессии.
type ConnectionManager struct {
	clients    map[string]*Client // Карта sessionID -> Client
	register   chan *Client       // Канал для регистрации нового клиента
	unregister chan *Client       // Канал для удаления клиента
	mu         sync.RWMutex       // Мьютекс для защиты доступа к clients
	logger     *zap.Logger
}

// NewConnectionManager создает и запускает новый менеджер соединений.
func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	m := &ConnectionManager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.Named("ConnectionManager"),
	}
	go m.run() // Запускаем цикл управления в отдельной горутине
	return m
}

// run запускает основной цикл менеджера для обработки регистрации/дерегистрации.
func (m *ConnectionManager) run() {
	m.logger.Info("ConnectionManager started")
	for {
		select {
		case client := <-m.register:
			m.logger.Debug("Registering client", zap.String("session_id", client.SessionID))
			m.mu.Lock()
			// Если клиент с такой сессией уже есть, закрываем старое соединение
			if oldClient, ok := m.clients[client.SessionID]; ok {
				m.logger.Debug("Closing stale connection", zap.String("session_id", client.SessionID))
				oldClient.shutdown()
			}
			m.clients[client.SessionID] = client
			m.mu.Unlock()

		case client := <-m.unregister:
			m.mu.Lock()
			// Запись снимается только если в карте все еще этот клиент:
			// выход вытесненного соединения не должен убивать его замену
			if current, ok := m.clients[client.SessionID]; ok && current == client {
				m.logger.Debug("Unregistering client", zap.String("session_id", client.SessionID))
				delete(m.clients, client.SessionID)
			}
			m.mu.Unlock()
			client.shutdown()
		}
	}
}

// RegisterClient регистрирует нового клиента.
func (m *ConnectionManager) RegisterClient(client *Client) {
	m.register <- client
}

// UnregisterClient удаляет клиента и завершает его.
func (m *ConnectionManager) UnregisterClient(client *Client) {
	m.unregister <- client
}

// SendToSession отправляет сообщение подписчику истории.
// Возвращает true, если клиент онлайн и сообщение поставлено в очередь.
func (m *ConnectionManager) SendToSession(sessionID string, message []byte) bool {
	m.mu.RLock()
	client, ok := m.clients[sessionID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debug("No subscriber for session", zap.String("session_id", sessionID))
		return false
	}

	select {
	case <-client.done:
		// Клиент отключается, сообщение некому доставить
		m.logger.Debug("Subscriber is shutting down", zap.String("session_id", sessionID))
		return false
	case client.send <- message:
		return true
	default:
		m.logger.Warn("Failed to queue message, send buffer full",
			zap.String("session_id", sessionID))
		return false
	}
}

// imageRelocatedEvent — сообщение подписчику о том, что слот изображения
// теперь указывает на постоянный URL.
type imageRelocatedEvent struct {
	Type string `json:"type"`
	Slot int    `json:"slot"`
	URL  string `json:"url"`
}

// NotifyImageRelocated уведомляет подписчика истории о переносе изображения.
// Отсутствие подписчика не является ошибкой: клиент увидит постоянный URL
// при следующей загрузке истории.
func (m *ConnectionManager) NotifyImageRelocated(sessionID string, slotIndex int, url string) {
	event := imageRelocatedEvent{
		Type: "image_relocated",
		Slot: slotIndex,
		URL:  url,
	}
	body, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal image_relocated event",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	m.SendToSession(sessionID, body)
}
