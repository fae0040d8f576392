package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/logstore"
)

// handleStream serves live log entries for one function. WebSocket when
// the client asks for an upgrade, server-sent events otherwise.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	functionID := r.URL.Query().Get("functionId")
	if functionID == "" {
		writeError(w, apierr.New(apierr.KindMissingRequired, "functionId is required"), "")
		return
	}

	opts, err := subscribeOptionsFromQuery(r)
	if err != nil {
		writeError(w, err, "")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWebSocket(w, r, functionID, opts)
		return
	}
	s.streamSSE(w, r, functionID, opts)
}

func subscribeOptionsFromQuery(r *http.Request) (logstore.SubscribeOptions, error) {
	q := r.URL.Query()
	opts := logstore.SubscribeOptions{AfterID: q.Get("afterId")}

	if lvl := q.Get("level"); lvl != "" {
		if !logstore.IsValidLevel(logstore.Level(lvl)) {
			return opts, apierr.Newf(apierr.KindInvalidParameter, "invalid level %q", lvl)
		}
		opts.Levels = []logstore.Level{logstore.Level(lvl)}
	}

	tail, err := queryInt(r, "tail", 0)
	if err != nil {
		return opts, err
	}
	opts.Tail = tail

	heartbeat, err := queryInt(r, "heartbeat", 0)
	if err != nil {
		return opts, err
	}
	if heartbeat > 0 {
		opts.Heartbeat = time.Duration(heartbeat) * time.Millisecond
	}
	return opts, nil
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, functionID string, opts logstore.SubscribeOptions) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own failure response.
		s.logger.Debug("WebSocket upgrade rejected", "error", err)
		return
	}
	defer conn.Close()

	sub := s.logs.Subscribe(functionID, opts)
	defer sub.Close()

	// Read pump: the client never sends application data, but reading is
	// what surfaces close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Type == logstore.EventShutdown {
			return
		}
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, functionID string, opts logstore.SubscribeOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.KindNotImplemented, "streaming unsupported by this connection"), "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.logs.Subscribe(functionID, opts)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
			if ev.Type == logstore.EventShutdown {
				return
			}
		}
	}
}
