package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// handleStream pushes a progress snapshot on connect and after every session change.
// The stream closes once the session reaches a terminal phase.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.svc.GetProgress(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithField("session_id", id)
	changes, release := s.svc.Hub().Subscribe(id)
	defer release()

	// The reader only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	for {
		p, err := s.svc.GetProgress(r.Context(), id)
		if err != nil {
			log.WithError(err).Warn("progress read failed")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(p); err != nil {
			log.WithError(err).Debug("progress stream closed")
			return
		}
		if p.Phase.IsTerminal() && !p.Running {
			closeStream(conn, log)
			return
		}

		if !s.awaitChange(r.Context(), conn, changes, ping.C, gone) {
			return
		}
	}
}

// awaitChange blocks until the session changes, pinging the client while idle. It returns
// false once the stream should end.
func (s *Server) awaitChange(ctx context.Context, conn *websocket.Conn, changes <-chan struct{}, ping <-chan time.Time, gone <-chan struct{}) bool {
	for {
		select {
		case <-changes:
			return true
		case <-ping:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return false
			}
		case <-gone:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func closeStream(conn *websocket.Conn, log logrus.FieldLogger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.WithError(err).Debug("close frame not sent")
	}
}
