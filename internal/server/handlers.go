// Package server exposes HTTP handlers: the websocket upgrade, avatar
// upload, health check, and the built-in chat page.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// maxAvatarBytes caps avatar uploads at 5 MiB.
const maxAvatarBytes = 5 << 20

// WebSocketHandler upgrades the connection and hands it to a new chat
// session. The session starts unjoined: the recent message history is queued
// for it before the hub can route any broadcast its way, so history is
// always the first thing a client receives.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := NewSession(conn, hub, r.RemoteAddr)
	s.enqueue(encodeHistory(hub.History()))

	// The hub launches the pump goroutines on registration.
	hub.register <- s
}

// HealthHandler provides a simple health check that reports server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "ChatterUp server is running!")
}

// UploadAvatarHandler stores an uploaded avatar image and returns its URL.
// It is stateless and has no interaction with presence or broadcast state;
// clients attach the returned URL to join and avatar events themselves.
func UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	file, _, err := r.FormFile("avatar")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	mtype := mimetype.Detect(data)
	if !isAllowedAvatarType(mtype.String()) {
		writeJSONError(w, http.StatusBadRequest, "unsupported image type")
		return
	}

	cfg := currentConfig()
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		slog.Error("failed to create upload directory", "dir", cfg.UploadDir, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	name := fmt.Sprintf("%d%s", time.Now().UnixMilli(), mtype.Extension())
	if err := os.WriteFile(filepath.Join(cfg.UploadDir, name), data, 0o644); err != nil {
		slog.Error("failed to write avatar file", "file", name, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not store file")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"imageUrl": "/uploads/" + name})
}

func isAllowedAvatarType(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ChatPageHandler serves a minimal HTML page that speaks the real chat
// protocol: join, send, typing, roster, and history replay.
func ChatPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>ChatterUp</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background: #f9f9f9; }
        #users { color: #555; margin: 5px 0; }
        #typing { color: #999; font-style: italic; min-height: 1em; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background: #007cba; color: white; border: none; cursor: pointer; }
    </style>
</head>
<body>
    <h1>ChatterUp</h1>
    <div>
        <input type="text" id="name" placeholder="Display name...">
        <button onclick="join()">Join</button>
    </div>
    <div id="users"></div>
    <div id="messages"></div>
    <div id="typing"></div>
    <div>
        <input type="text" id="text" placeholder="Type a message..." disabled>
        <button id="sendBtn" onclick="send()" disabled>Send</button>
    </div>
    <script>
        let ws = null;
        let typingTimer = null;
        const messages = document.getElementById('messages');

        function addLine(html) {
            const div = document.createElement('div');
            div.innerHTML = html;
            messages.appendChild(div);
            messages.scrollTop = messages.scrollHeight;
        }

        function showMessage(m) {
            addLine('<strong>' + m.username + '</strong> <small>' + m.time + '</small>: ' + m.message);
        }

        function join() {
            const name = document.getElementById('name').value.trim();
            if (!name) return;
            if (!ws) {
                ws = new WebSocket('ws://' + location.host + '/ws');
                ws.onmessage = function(e) {
                    const evt = JSON.parse(e.data);
                    if (evt.type === 'load-messages') evt.messages.forEach(showMessage);
                    if (evt.type === 'user-list') document.getElementById('users').textContent = 'Online: ' + evt.users.join(', ');
                    if (evt.type === 'message') showMessage(evt.message);
                    if (evt.type === 'typing') {
                        document.getElementById('typing').textContent = evt.username + ' is typing...';
                        clearTimeout(typingTimer);
                        typingTimer = setTimeout(() => document.getElementById('typing').textContent = '', 1500);
                    }
                    if (evt.type === 'error') addLine('<em>' + evt.error + '</em>');
                };
                ws.onopen = () => ws.send(JSON.stringify({type: 'join', name: name}));
                ws.onclose = () => { ws = null; };
            } else {
                ws.send(JSON.stringify({type: 'join', name: name}));
            }
            document.getElementById('text').disabled = false;
            document.getElementById('sendBtn').disabled = false;
        }

        function send() {
            const input = document.getElementById('text');
            const text = input.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'send-message', text: text}));
                input.value = '';
            }
        }

        document.getElementById('text').addEventListener('input', function() {
            if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify({type: 'typing'}));
        });
        document.getElementById('text').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') send();
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Warn("error writing chat page", "error", err)
	}
}
