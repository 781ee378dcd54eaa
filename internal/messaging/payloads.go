package messaging

// RelocationTaskPayload — задача переноса временного изображения
// в постоянное хранилище. Кладется в очередь сервером и разбирается
// воркером релокации.
type RelocationTaskPayload struct {
	TaskID    string `json:"taskId"`    // Уникальный ID задачи
	SessionID string `json:"sessionId"` // ID истории, которой принадлежит изображение
	SlotIndex int    `json:"slotIndex"` // Индекс слота в массиве изображений
	TempURL   string `json:"tempUrl"`   // Временный URL, выданный генератором изображений
}

// ImageRelocatedPayload — обновление для клиента: слот изображения теперь
// указывает на постоянный URL. Публикуется воркером релокации и доставляется
// сервером подписчику через WebSocket.
type ImageRelocatedPayload struct {
	SessionID string `json:"sessionId"`
	SlotIndex int    `json:"slotIndex"`
	URL       string `json:"url"`
}
