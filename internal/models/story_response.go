package models

import "encoding/json"

// Location представляет координату x,y: евклидово смещение в шагах
// от стартовой точки истории (север и восток положительные).
type Location struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// UnmarshalJSON принимает координату и как объект {"x":1,"y":2}, и как
// массив [1,2]. Модель не гарантирует конкретную форму, парсинг best-effort.
func (l *Location) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err == nil {
		l.X, l.Y = pair[0], pair[1]
		return nil
	}
	type plain Location
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*l = Location(obj)
	return nil
}

// ActionRecord представляет запись в action-history ответа модели:
// действие пользователя и координата, где оно произошло.
type ActionRecord struct {
	Action   string    `json:"action"`
	Location *Location `json:"location,omitempty"`
}

// UnmarshalJSON принимает и объект {"action":...,"location":...}, и голую
// строку действия: echo истории у модели нестабилен по форме.
func (a *ActionRecord) UnmarshalJSON(data []byte) error {
	var action string
	if err := json.Unmarshal(data, &action); err == nil {
		a.Action = action
		a.Location = nil
		return nil
	}
	type plain ActionRecord
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = ActionRecord(obj)
	return nil
}

// ParsedStoryResponse представляет разобранный структурированный ответ
// повествовательной модели. Ключи JSON зафиксированы системным промптом.
type ParsedStoryResponse struct {
	StoryText          string         `json:"story-text"`
	PossibleActions    []string       `json:"possible-actions"`
	IllustrationPrompt string         `json:"dall-e-prompt"`
	Location           *Location      `json:"location,omitempty"`
	ActionHistory      []ActionRecord `json:"action-history,omitempty"`
}
