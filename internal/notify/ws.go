package notify

import (
	"context"
	"net/http"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"
)

// WSSubscriber адаптирует websocket-соединение под интерфейс Subscriber.
type WSSubscriber struct {
	conn   *ws.Conn
	closed int32
}

func NewWSSubscriber(conn *ws.Conn) *WSSubscriber {
	return &WSSubscriber{conn: conn}
}

func (s *WSSubscriber) Send(ctx context.Context, evt domain.BroadcastEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, ws.MessageText, b); err != nil {
		atomic.StoreInt32(&s.closed, 1)
		return err
	}
	return nil
}

func (s *WSSubscriber) IsOpen() bool {
	return atomic.LoadInt32(&s.closed) == 0
}

// WSHandler принимает websocket-подписку на события сессии.
// GET /v1/events/subscribe?session_id=...
func WSHandler(hub *Hub, logger *zap.Logger) http.HandlerFunc {
	log := logger.Named("notify-ws")
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			log.Warn("websocket accept failed", zap.Error(err))
			return
		}

		sub := NewWSSubscriber(conn)
		hub.Subscribe(sessionID, sub)
		defer func() {
			hub.Unsubscribe(sessionID, sub)
			conn.Close(ws.StatusNormalClosure, "bye")
		}()

		log.Info("subscriber attached", zap.String("session_id", sessionID))

		// Читаем соединение только ради детекта разрыва:
		// входящие сообщения подписчиков нам не нужны.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				atomic.StoreInt32(&sub.closed, 1)
				log.Info("subscriber detached", zap.String("session_id", sessionID))
				return
			}
		}
	}
}
