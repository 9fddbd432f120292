package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/softphone/pkg/agent"
	"github.com/arzzra/softphone/pkg/phone"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	noticeBuf  = 16
)

// Message кадр потока /ws.
type Message struct {
	Type     string          `json:"type"`
	Snapshot *phone.Snapshot `json:"snapshot,omitempty"`
	Notice   *NoticeView     `json:"notice,omitempty"`
}

// Типы кадров
const (
	MessageSnapshot = "snapshot"
	MessageNotice   = "notice"
)

// NoticeView уведомление для интерфейса.
type NoticeView struct {
	Kind    agent.NoticeKind `json:"kind"`
	Message string           `json:"message"`
	Error   string           `json:"error,omitempty"`
}

func noticeView(n agent.Notice) *NoticeView {
	v := &NoticeView{Kind: n.Kind, Message: n.Message}
	if n.Err != nil {
		v.Error = n.Err.Error()
	}
	return v
}

// Stream отправляет снимок при подключении и после каждого изменения,
// а также уведомления контроллера.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// подписчики вызываются на исполнителе телефона, поэтому только будят писателя
	changed := make(chan struct{}, 1)
	notices := make(chan agent.Notice, noticeBuf)

	unsub, err := h.phone.Subscribe(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		slog.Warn("api stream subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer unsub()

	unNotices, err := h.phone.SubscribeNotices(ctx, func(n agent.Notice) {
		select {
		case notices <- n:
		default:
			slog.Warn("api stream notice dropped", slog.String("kind", string(n.Kind)))
		}
	})
	if err != nil {
		slog.Warn("api stream subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer unNotices()

	go h.readPump(conn, cancel)

	slog.Debug("api stream opened", slog.String("remote", r.RemoteAddr))
	if err := h.writeSnapshot(ctx, conn); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-changed:
			if err := h.writeSnapshot(ctx, conn); err != nil {
				return
			}
		case n := <-notices:
			if err := write(conn, Message{Type: MessageNotice, Notice: noticeView(n)}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	snap, err := h.phone.Snapshot(ctx)
	if err != nil {
		slog.Debug("api stream snapshot failed", slog.String("error", err.Error()))
		return err
	}
	return write(conn, Message{Type: MessageSnapshot, Snapshot: &snap})
}

func write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		slog.Debug("api stream write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// readPump читает входящие кадры, чтобы обрабатывать pong и закрытие.
// Команды по потоку не принимаются.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("api stream read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
