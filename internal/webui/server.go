package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/persist"
	"github.com/kayz/specforge/internal/pipeline"
)

const writeTimeout = 10 * time.Second

// DocumentStore is the read side of the document store.
type DocumentStore interface {
	pipeline.Store
	ListDocuments(ctx context.Context, limit int) ([]persist.DocumentInfo, error)
	ListRuns(ctx context.Context, documentID string, limit int) ([]persist.Run, error)
}

type Server struct {
	builds    *pipeline.Manager
	store     DocumentStore
	startedAt time.Time
	upgrader  websocket.Upgrader
}

func NewServer(builds *pipeline.Manager, store DocumentStore) *Server {
	return &Server{
		builds:    builds,
		store:     store,
		startedAt: time.Now().UTC(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/builds", s.handleStartBuild)
	mux.HandleFunc("GET /api/builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /api/builds/{id}/events", s.handleBuildEvents)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(defaultIndexHTML))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"ok":         true,
		"started_at": s.startedAt.Format(time.RFC3339),
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
		"running":    s.builds.Running(),
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		status["memory"] = map[string]any{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type startResponse struct {
	ID       string `json:"id"`
	Attached bool   `json:"attached"`
	Events   string `json:"events"`
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if req.Command == "" && req.Operation != pipeline.OpResume {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}

	b, attached, err := s.builds.Start(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		ID:       b.ID,
		Attached: attached,
		Events:   "/api/builds/" + b.ID + "/events",
	})
}

type buildView struct {
	ID        string           `json:"id"`
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"started_at"`
	LastEvent *pipeline.Event  `json:"last_event,omitempty"`
	Result    *pipeline.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.builds.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "build not found"})
		return
	}
	view := buildView{ID: b.ID, StartedAt: b.StartedAt}
	if e, ok := b.Log.Last(); ok {
		view.LastEvent = &e
	}
	select {
	case <-b.Done():
		view.Result, _ = b.Result()
		if _, err := b.Result(); err != nil {
			view.Error = err.Error()
		}
	default:
		view.Running = true
	}
	writeJSON(w, http.StatusOK, view)
}

// handleBuildEvents streams a build's events over a websocket, starting at
// the sequence number in ?from. The socket closes after the finish event.
func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := s.builds.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "build not found"})
		return
	}
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be a sequence number"})
			return
		}
		from = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[Web] WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Reads only detect the client going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for e := range b.Log.Subscribe(ctx, from) {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(e); err != nil {
			logger.Debug("[Web] Event stream for %s ended: %v", b.ID, err)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	docs, err := s.store.ListDocuments(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type documentView struct {
	Result   *pipeline.Result `json:"result"`
	Document any              `json:"document"`
	Runs     []persist.Run    `json:"runs"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := pipeline.LoadResult(r.Context(), s.store, id)
	if errors.Is(err, persist.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	runs, err := s.store.ListRuns(r.Context(), id, 20)
	if err != nil {
		logger.Warn("[Web] Listing runs of %s failed: %v", id, err)
	}
	if runs == nil {
		runs = []persist.Run{}
	}
	writeJSON(w, http.StatusOK, documentView{Result: res, Document: res.Document, Runs: runs})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

const defaultIndexHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>specforge</title>
  <style>
    body { font-family: "Segoe UI", sans-serif; margin: 0; background: linear-gradient(145deg,#f7fafc,#e9eef7); color: #1f2937; }
    .wrap { max-width: 900px; margin: 0 auto; padding: 20px; }
    .panel { background: #fff; border-radius: 12px; box-shadow: 0 8px 30px rgba(15,23,42,.08); padding: 16px; }
    #log { min-height: 320px; max-height: 60vh; overflow: auto; white-space: pre-wrap; border: 1px solid #d1d5db; border-radius: 8px; padding: 12px; background: #f9fafb; font-family: monospace; }
    .row { display: flex; gap: 8px; margin-top: 10px; }
    input, select { padding: 10px; border: 1px solid #cbd5e1; border-radius: 8px; }
    input { flex: 1; }
    button { padding: 10px 16px; border: 0; border-radius: 8px; background: #0f766e; color: #fff; cursor: pointer; }
    button:hover { background: #0d9488; }
  </style>
</head>
<body>
  <div class="wrap">
    <div class="panel">
      <h2>specforge</h2>
      <div id="log"></div>
      <div class="row">
        <input id="doc" placeholder="document id (optional)" style="flex:0 0 220px" />
        <select id="op"><option>create</option><option>update</option><option>extend</option><option>resume</option></select>
      </div>
      <div class="row">
        <input id="cmd" placeholder="Describe the agent to build..." />
        <button id="go">Build</button>
      </div>
    </div>
  </div>
  <script>
    const log = document.getElementById('log');
    const append = (line) => { log.textContent += line + '\n'; log.scrollTop = log.scrollHeight; };
    function render(e) {
      const p = e.payload || {};
      switch (e.type) {
        case 'agent-step': return '#' + e.seq + ' ' + p.phase + ' ' + p.status + (p.message ? ' - ' + p.message : '');
        case 'agent-data': return '#' + e.seq + ' ' + p.phase + ' models=' + (p.summary.models || []).join(',');
        case 'warning': return '#' + e.seq + ' warning ' + p.code + ': ' + p.message;
        case 'finish': return '#' + e.seq + ' finished ' + p.status + (p.error ? ' (' + p.error + ')' : '');
      }
      return JSON.stringify(e);
    }
    async function build() {
      const body = { documentId: document.getElementById('doc').value.trim(), command: document.getElementById('cmd').value.trim(), operation: document.getElementById('op').value };
      const resp = await fetch('/api/builds', { method:'POST', headers:{'Content-Type':'application/json'}, body: JSON.stringify(body) });
      const data = await resp.json();
      if (!resp.ok) { append('error: ' + data.error); return; }
      document.getElementById('doc').value = data.id;
      append((data.attached ? 'attached to ' : 'started ') + data.id);
      const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + data.events);
      ws.onmessage = (m) => append(render(JSON.parse(m.data)));
    }
    document.getElementById('go').addEventListener('click', build);
  </script>
</body>
</html>`
