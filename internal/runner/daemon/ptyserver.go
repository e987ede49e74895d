package daemon

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

// spawnPTYServer starts a tiny native terminal server bound to port,
// serving a `/ws` endpoint that attaches each connection to a new
// PTY-backed shell (every other path answers "ok"). It exists so single-user/dev deployments don't require
// an external ttyd binary; the resulting process is tracked like any other
// spawned process so stop/exit-info work uniformly.
func spawnPTYServer(cwd string, port int, env []string) (*managedProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(self, "--internal-ptyserver", fmt.Sprintf("%d", port))
	cmd.Dir = cwd
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &managedProcess{label: "ttyd-pty", cmd: cmd, exited: make(chan struct{})}
	go p.monitor()
	return p, nil
}

// RunPTYServerStandalone runs the in-process PTY server loop. cmd/runnerd
// re-execs itself with --internal-ptyserver <port> so the server runs as
// its own supervised process, matching how the external ttyd binary would
// be tracked.
func RunPTYServerStandalone(port int) error {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		c := exec.Command(shell)
		ptmx, err := pty.Start(c)
		if err != nil {
			return
		}
		defer ptmx.Close()
		defer c.Process.Kill()

		done := make(chan struct{})
		go func() {
			defer close(done)
			buf := make([]byte, 4096)
			for {
				n, err := ptmx.Read(buf)
				if n > 0 {
					if werr := conn.WriteMessage(websocket.TextMessage, buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if _, err := ptmx.Write(msg); err != nil {
				break
			}
		}
		<-done
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})

	return http.ListenAndServe(fmt.Sprintf("localhost:%d", port), mux)
}
