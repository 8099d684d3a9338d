package ingest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labsin-uncuyo/defender-core/internal/alertstore"
	"github.com/rs/zerolog/log"
)

// upgrader mirrors internal/agentexec/server.go's websocket.Upgrader
// shape: bounded buffers. No CheckOrigin is set, so gorilla/websocket's
// default same-host origin check applies; there is no origin allowlist.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	tailPingInterval = 5 * time.Second
	tailWriteWait    = 5 * time.Second
)

// EnableJournalTail registers an operator-facing websocket endpoint
// that streams each new line appended to the file at journalPath as
// it lands, using the Alert Store package's file-tailer
// (internal/alertstore.TailLines). This is a supplemented feature,
// not required by spec.md itself.
func (s *Server) EnableJournalTail(path string, journalPath string) {
	s.mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("ingest: websocket upgrade failed")
			return
		}
		defer conn.Close()

		lines, err := alertstore.TailLines(r.Context(), journalPath)
		if err != nil {
			log.Error().Err(err).Msg("ingest: failed to start journal tail")
			return
		}

		ticker := time.NewTicker(tailPingInterval)
		defer ticker.Stop()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
