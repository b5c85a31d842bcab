package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"agent-task-orchestrator/internal/broadcast"
	"agent-task-orchestrator/internal/models"
)

// clientMessage is what subscribers send over the streaming channel.
type clientMessage struct {
	Action  string `json:"action"` // subscribe | unsubscribe
	JobID   string `json:"job_id"`
	Version int    `json:"version"`
}

type authResult struct {
	orgID string
	err   error
}

// handleWS runs one streaming connection. The auth token rides on a query
// parameter because this transport has no headers. Client messages that
// arrive before the token resolves are queued and replayed in order once
// auth completes; they are never dropped or reordered.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	wsc := &wsConn{conn: conn, timeout: s.cfg.WSWriteTimeout}
	defer func() {
		s.hub.Drop(wsc)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	token := r.URL.Query().Get("token")

	authCh := make(chan authResult, 1)
	go func() {
		orgID, err := s.auth.OrgFromToken(ctx, token)
		authCh <- authResult{orgID: orgID, err: err}
	}()

	msgCh := make(chan []byte)
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case msgCh <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var pending [][]byte
	var orgID string
	authed := false
	for {
		select {
		case res := <-authCh:
			if res.err != nil {
				_ = wsc.Send(broadcast.Event{Type: broadcast.EventError, Message: "authentication failed"})
				return
			}
			orgID = res.orgID
			authed = true
			authCh = nil
			for _, data := range pending {
				s.handleClientMessage(ctx, wsc, orgID, data)
			}
			pending = nil
		case data := <-msgCh:
			if !authed {
				pending = append(pending, data)
				continue
			}
			s.handleClientMessage(ctx, wsc, orgID, data)
		case <-readErr:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, wsc *wsConn, orgID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = wsc.Send(broadcast.Event{Type: broadcast.EventError, Message: "invalid message"})
		return
	}
	switch msg.Action {
	case "subscribe":
		// Ack first so the client can tell "connection ready" from
		// "data ready".
		_ = wsc.Send(broadcast.Event{Type: broadcast.EventSubscribed, JobID: msg.JobID, Version: msg.Version})

		var job models.Job
		var err error
		if msg.Version > 0 {
			job, err = s.store.GetVersion(ctx, msg.JobID, msg.Version, orgID)
		} else {
			job, err = s.store.GetLatest(ctx, msg.JobID, orgID)
		}
		if err != nil {
			_ = wsc.Send(broadcast.Event{Type: broadcast.EventError, JobID: msg.JobID, Message: err.Error()})
			return
		}
		_ = wsc.Send(broadcast.Event{
			Type:               broadcast.EventHistoricalLogs,
			JobID:              msg.JobID,
			Version:            job.Version,
			CodeGenerationLogs: job.CodeGenerationLogs,
			VerificationLogs:   job.VerificationLogs,
		})
		s.hub.Subscribe(msg.JobID, wsc)
	case "unsubscribe":
		s.hub.Unsubscribe(msg.JobID, wsc)
		_ = wsc.Send(broadcast.Event{Type: broadcast.EventUnsubscribed, JobID: msg.JobID})
	default:
		_ = wsc.Send(broadcast.Event{Type: broadcast.EventError, Message: "unknown action"})
	}
}

// wsConn adapts a websocket connection to the broadcast.Conn interface with
// a per-send write deadline.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *wsConn) Send(event broadcast.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
