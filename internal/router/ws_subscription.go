package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/course-dispatch/internal/models"
)

// WSSubscription adapts a websocket connection to the Subscription contract.
type WSSubscription struct {
	conn   *websocket.Conn
	events chan models.Event
	logger *slog.Logger

	closeOnce sync.Once
}

// Dial opens the driver's realtime topic. Malformed frames are logged and
// skipped; the event channel closes when the connection dies or Close is
// called.
func Dial(ctx context.Context, url string, header map[string][]string, logger *slog.Logger) (*WSSubscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	s := &WSSubscription{conn: conn, events: make(chan models.Event, 16), logger: logger}
	go s.readLoop()
	return s, nil
}

func (s *WSSubscription) Events() <-chan models.Event { return s.events }

func (s *WSSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *WSSubscription) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("skipping malformed realtime frame", "error", err)
			continue
		}
		s.events <- ev
	}
}
