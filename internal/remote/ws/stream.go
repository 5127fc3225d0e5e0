package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Stream topics, one websocket per subscription.
const (
	TopicMessageSent = "message_sent"
	TopicTyping      = "typing"
	TopicNewChat     = "new_chat"
	TopicChatChanges = "chat_changes"
)

var (
	// ErrServerClosed is the subscription error when the server ends a
	// stream with a normal close frame.
	ErrServerClosed = errors.New("stream closed by server")
	// ErrHeartbeatTimeout is the subscription error when a stream stays
	// silent past the heartbeat timeout.
	ErrHeartbeatTimeout = errors.New("stream heartbeat timed out")
)

// StreamError is an error frame pushed by the server.
type StreamError struct {
	Topic string
	Msg   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %s", e.Topic, e.Msg)
}

// SubscribeMessageSent implements remote.Backend.
func (c *Client) SubscribeMessageSent(ctx context.Context, chatID string) (remote.Subscription[entity.Message], error) {
	return subscribe(ctx, c, TopicMessageSent, chatID, func(f Frame) (entity.Message, bool, error) {
		var d MessageDTO
		if f.Type != FrameMessageSent {
			return entity.Message{}, false, nil
		}
		if err := json.Unmarshal(f.Payload, &d); err != nil {
			return entity.Message{}, false, err
		}
		m := d.entity()
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		return m, true, nil
	})
}

// SubscribeTyping implements remote.Backend.
func (c *Client) SubscribeTyping(ctx context.Context, chatID string) (remote.Subscription[entity.TypingFeedback], error) {
	return subscribe(ctx, c, TopicTyping, chatID, func(f Frame) (entity.TypingFeedback, bool, error) {
		var d typingDTO
		if f.Type != FrameTyping {
			return entity.TypingFeedback{}, false, nil
		}
		if err := json.Unmarshal(f.Payload, &d); err != nil {
			return entity.TypingFeedback{}, false, err
		}
		if d.ChatID == "" {
			d.ChatID = chatID
		}
		return entity.TypingFeedback{ChatID: d.ChatID, UserName: d.UserName, Typing: d.Typing}, true, nil
	})
}

// SubscribeNewChat implements remote.Backend.
func (c *Client) SubscribeNewChat(ctx context.Context) (remote.Subscription[entity.Chat], error) {
	return subscribe(ctx, c, TopicNewChat, "", func(f Frame) (entity.Chat, bool, error) {
		var d ChatDTO
		if f.Type != FrameNewChat {
			return entity.Chat{}, false, nil
		}
		if err := json.Unmarshal(f.Payload, &d); err != nil {
			return entity.Chat{}, false, err
		}
		return d.entity(), true, nil
	})
}

// SubscribeChatChanges implements remote.Backend.
func (c *Client) SubscribeChatChanges(ctx context.Context) (remote.Subscription[remote.ChatEvent], error) {
	return subscribe(ctx, c, TopicChatChanges, "", func(f Frame) (remote.ChatEvent, bool, error) {
		kind, ok := chatEventKind(f.Type)
		if !ok {
			return remote.ChatEvent{}, false, nil
		}
		if kind == remote.ChatLeft {
			var d chatLeftDTO
			if err := json.Unmarshal(f.Payload, &d); err != nil {
				return remote.ChatEvent{}, false, err
			}
			return remote.ChatEvent{Kind: kind, Chat: entity.Chat{ID: d.ChatID}, Participant: d.UserID}, true, nil
		}
		var d ChatDTO
		if err := json.Unmarshal(f.Payload, &d); err != nil {
			return remote.ChatEvent{}, false, err
		}
		return remote.ChatEvent{Kind: kind, Chat: d.entity()}, true, nil
	})
}

// subscribe dials one stream. ctx bounds the handshake only; the stream
// lives until it is closed or the connection drops.
func subscribe[T any](ctx context.Context, c *Client, topic, chatID string, decode func(Frame) (T, bool, error)) (remote.Subscription[T], error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(topic, chatID), c.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, &HTTPError{Method: http.MethodGet, Path: "/ws", Status: resp.StatusCode})
		}
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	logger := c.logger.With(zap.String("topic", topic), zap.String("chat_id", chatID))
	pipe := remote.NewPipe[T](c.buffer, func() { _ = conn.Close() })
	if c.pingPeriod > 0 {
		c.extendDeadline(conn)
		conn.SetPongHandler(func(string) error {
			c.extendDeadline(conn)
			return nil
		})
		go c.heartbeat(conn, pipe.Done(), logger)
	}
	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				var nerr net.Error
				switch {
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
					err = ErrServerClosed
				case errors.As(err, &nerr) && nerr.Timeout():
					err = fmt.Errorf("%w: %v", ErrHeartbeatTimeout, err)
				}
				// A local Close already ended the pipe; this Fail is a no-op then.
				pipe.Fail(err)
				return
			}
			if f.Type == FrameError {
				var e errorDTO
				_ = json.Unmarshal(f.Payload, &e)
				pipe.Fail(&StreamError{Topic: topic, Msg: e.Error})
				return
			}
			if c.pingPeriod > 0 {
				c.extendDeadline(conn)
			}
			v, ok, err := decode(f)
			if err != nil {
				logger.Warn("dropping undecodable frame", zap.String("type", f.Type), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if !pipe.Send(context.Background(), v) {
				return
			}
		}
	}()
	return pipe, nil
}

func (c *Client) extendDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
}

// heartbeat pings conn until done is closed or a ping cannot be written.
// A peer that stops answering trips the read deadline.
func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) streamURL(topic, chatID string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("topic", topic)
	if chatID != "" {
		q.Set("chat_id", chatID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
