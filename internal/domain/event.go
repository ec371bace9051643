package domain

import "time"

// EventType — тип аналитического события по контракту SDK (Segment-style).
type EventType string

const (
	TypeTrack    EventType = "track"
	TypeIdentify EventType = "identify"
	TypePage     EventType = "page"
	TypeScreen   EventType = "screen"
	TypeGroup    EventType = "group"
	TypeAlias    EventType = "alias"
	TypeBatch    EventType = "batch"
)

// EventPayload — структурированное представление входящего события.
// Известные поля контракта вынесены явно, всё остальное живет
// в открытых мапах Properties/Context/Extra — так валидация обязательных
// полей остается исчерпывающей и статически проверяемой.
type EventPayload struct {
	Type        string                 `json:"type,omitempty"`
	Event       string                 `json:"event,omitempty"`
	UserID      string                 `json:"userId,omitempty"`
	AnonymousID string                 `json:"anonymousId,omitempty"`
	GroupID     string                 `json:"groupId,omitempty"`
	PreviousID  string                 `json:"previousId,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timestamp   string                 `json:"timestamp,omitempty"`
	MessageID   string                 `json:"messageId,omitempty"`

	// Провенанс проставляется обогатителем, клиент его не присылает
	Provenance *Provenance `json:"_provenance,omitempty"`
}

// Provenance — служебный блок: кто, когда и откуда прислал событие.
type Provenance struct {
	ReceivedAt  time.Time `json:"received_at"`
	EventType   string    `json:"event_type"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Referrer    string    `json:"referrer,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	ContentType string    `json:"content_type,omitempty"`

	// single или batch; для batch проставляем индекс элемента
	Source     string `json:"source"`
	BatchIndex int    `json:"batch_index,omitempty"`
}

// BatchEnvelope — конверт батч-эндпоинта. Поле batch обязано быть массивом,
// иначе весь конверт отклоняется без частичной обработки.
type BatchEnvelope struct {
	Batch   []EventPayload         `json:"batch"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// InterceptedEvent — запись глобального реестра перехвата.
// ID независим от ID события в очереди сессии.
type InterceptedEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Type      EventType         `json:"type"`
	Original  EventPayload      `json:"original"`
	Enriched  EventPayload      `json:"enriched"`
	Headers   map[string]string `json:"headers"` // уже санитизированы
	Timestamp time.Time         `json:"timestamp"`
}
