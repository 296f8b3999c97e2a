package firehose

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Handler serves the subscribeRepos websocket: binary frames from the
// cursor query parameter onwards, or live frames only without one.
type Handler struct {
	Sequencer *Sequencer
	Logger    *logrus.Logger
	// PingInterval is the idle time before a ping is sent. Default 30s.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write. Default 10s.
	WriteTimeout time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cursor *uint64
	if s := r.URL.Query().Get("cursor"); s != "" {
		c, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		cursor = &c
	}
	// relays send no Origin, so there is no handshake check
	websocket.Server{Handler: func(ws *websocket.Conn) {
		h.serve(r.Context(), ws, cursor)
	}}.ServeHTTP(w, r)
}

func (h *Handler) logger() *logrus.Logger {
	if h.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.Logger
}

func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, cursor *uint64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close()
	ping, writeTimeout := h.PingInterval, h.WriteTimeout
	if ping <= 0 {
		ping = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	log := h.logger().WithField("remote", ws.Request().RemoteAddr)

	var from uint64
	if cursor != nil {
		from = *cursor
	} else {
		from = h.Sequencer.Next()
	}
	sub, err := h.Sequencer.Subscribe(ctx, from)
	if err != nil {
		log.WithError(err).Info("subscription refused")
		h.sendError(ws, writeTimeout, err)
		return
	}
	defer sub.Close()
	log.WithField("cursor", from).Info("subscriber connected")

	// reads only to notice disconnects and answer pings
	go func() {
		defer cancel()
		var msg []byte
		for {
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()

	for {
		nctx, ncancel := context.WithTimeout(ctx, ping)
		f, err := sub.Next(nctx)
		ncancel()
		switch {
		case err == nil:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := websocket.Message.Send(ws, f.Data); err != nil {
				log.WithError(err).WithField("seq", f.Seq).Info("subscriber write failed")
				return
			}
		case ctx.Err() != nil:
			log.Info("subscriber disconnected")
			return
		case errors.Is(err, context.DeadlineExceeded):
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			ws.PayloadType = websocket.PingFrame
			_, err := ws.Write([]byte(strconv.FormatInt(time.Now().Unix(), 10)))
			ws.PayloadType = websocket.BinaryFrame
			if err != nil {
				log.WithError(err).Info("ping failed")
				return
			}
		default:
			log.WithError(err).Warn("subscription ended")
			h.sendError(ws, writeTimeout, err)
			return
		}
	}
}

func (h *Handler) sendError(ws *websocket.Conn, timeout time.Duration, err error) {
	var (
		future  *FutureCursorError
		tooOld  *CursorTooOldError
		tooSlow *SlowConsumerError
		name    string
	)
	switch {
	case errors.As(err, &future):
		name = ErrorFutureCursor
	case errors.As(err, &tooOld):
		name = ErrorOutdatedCursor
	case errors.As(err, &tooSlow):
		name = ErrorConsumerTooSlow
	default:
		return
	}
	ws.SetWriteDeadline(time.Now().Add(timeout))
	websocket.Message.Send(ws, ErrorFrame(name, err.Error()))
}
