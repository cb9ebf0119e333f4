package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/metrics"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

// readLimit bounds one client frame. sendOnConnect uploads can carry a whole
// collection.
const readLimit = 1 << 20

type Options struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("ws accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(readLimit)

		log := opts.Logger.With(zap.String("conn_id", uuid.NewString()))
		log.Debug("connection opened", zap.String("remote", r.RemoteAddr))

		out := make(chan protocol.Message, opts.OutboxSize)
		s := NewSession(h, out, log)

		// Leave must not depend on the request context, which is already
		// done when the peer goes away.
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Close(ctx)
			cancel()
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go writeLoop(writeCtx, conn, out, opts, log)

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("connection closed by peer")
				default:
					log.Debug("read failed", zap.Error(err))
				}
				return
			}

			if err := s.Handle(r.Context(), data); err != nil {
				reason := rejectReason(err)
				opts.Metrics.ConnectionRejected(reason)
				log.Info("closing connection", zap.String("reason", reason), zap.Error(err))
				_ = conn.Close(websocket.StatusPolicyViolation, reason)
				return
			}
		}
	}
}

// writeLoop drains the outbox and pings the peer. A closed outbox means the
// room let go of this member, so the connection is closed too.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.Message, opts Options, log *zap.Logger) {
	t := time.NewTicker(opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-out:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "removed from game")
				return
			}
			payload, err := protocol.Encode(msg)
			if err != nil {
				log.Error("encode failed", zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				log.Debug("write failed", zap.Error(err))
				conn.CloseNow()
				return
			}

		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ping failed", zap.Error(err))
				conn.CloseNow()
				return
			}
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, hub.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, room.ErrCapacityExceeded):
		return "room full"
	case errors.Is(err, room.ErrNotMember), errors.Is(err, room.ErrClosed), errors.Is(err, room.ErrDropped):
		return "removed from game"
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownType):
		return "malformed message"
	case errors.Is(err, ErrProtocol):
		return "protocol violation"
	default:
		return "internal error"
	}
}
