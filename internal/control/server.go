package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/zuz/zpm/internal/supervisor"
)

// Server is the unix-socket control plane. One goroutine per connection;
// all state access goes through the supervisor, so handlers hold no locks
// of their own beyond the per-connection write mutex.
type Server struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	path   string
	closed bool
	wg     sync.WaitGroup
}

func NewServer(sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sup: sup, logger: logger}
}

// Listen binds the namespace socket, unlinking any stale file first.
func (s *Server) Listen(namespace string) error {
	path := SocketPath(namespace)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.path = path
	s.mu.Unlock()
	s.logger.Info("control socket listening", "path", path)
	return nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Serve accepts connections until Close. Blocks.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server: Listen before Serve")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, waits for live connections, unlinks the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	path := s.path
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if path != "" {
		_ = os.Remove(path)
	}
	return err
}

// connWriter serializes response lines; the logs stream writes from fan
// callbacks while the command loop may still reply on the same socket.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) send(resp Response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(line)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	w := &connWriter{conn: conn}

	var cancels []func()
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var cmd Command
			if uerr := json.Unmarshal(line, &cmd); uerr != nil {
				if serr := w.send(errResponse("Invalid JSON")); serr != nil {
					return
				}
			} else {
				extra := s.dispatch(w, cmd)
				cancels = append(cancels, extra...)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch executes one command and writes its response. Returned cancels
// are log-stream detachments owned by the connection.
func (s *Server) dispatch(w *connWriter, cmd Command) []func() {
	switch cmd.Cmd {
	case "ping":
		_ = w.send(okResponse("pong"))
	case "start":
		s.handleStart(w, cmd)
	case "stop":
		s.reply(w, cmd.Name, s.sup.Stop(cmd.Name), "stopped %q")
	case "restart":
		s.reply(w, cmd.Name, s.sup.Restart(cmd.Name), "restarted %q")
	case "delete":
		s.reply(w, cmd.Name, s.sup.Delete(cmd.Name), "deleted %q")
	case "stats":
		s.handleStats(w, cmd)
	case "list":
		_ = w.send(okResponse(s.sup.Names()))
	case "logs":
		return s.handleLogs(w, cmd)
	case "get-store":
		_ = w.send(okResponse(s.sup.Store().All()))
	default:
		_ = w.send(errResponse("Unknown command: " + cmd.Cmd))
	}
	return nil
}

func (s *Server) reply(w *connWriter, name string, err error, okFormat string) {
	if err != nil {
		_ = w.send(errResponse(err.Error()))
		return
	}
	_ = w.send(okResponse(fmt.Sprintf(okFormat, name)))
}

func (s *Server) handleStart(w *connWriter, cmd Command) {
	if cmd.Config == nil {
		if cmd.Name == "" {
			_ = w.send(errResponse("start requires a config or a name"))
			return
		}
		// bare name: start a previously registered worker
		s.reply(w, cmd.Name, s.sup.StartByName(cmd.Name), "started %q")
		return
	}
	cfg := *cmd.Config
	if cfg.Name == "" {
		cfg.Name = cmd.Name
	}
	if err := s.sup.Start(cfg); err != nil {
		_ = w.send(errResponse(err.Error()))
		return
	}
	_ = w.send(okResponse(fmt.Sprintf("started %q", cfg.Name)))
}

func (s *Server) handleStats(w *connWriter, cmd Command) {
	if cmd.Name != "" {
		st, err := s.sup.GetStats(cmd.Name)
		if err != nil {
			_ = w.send(errResponse(err.Error()))
			return
		}
		_ = w.send(okResponse([]any{st}))
		return
	}
	_ = w.send(okResponse(s.sup.List()))
}

// handleLogs attaches the connection to the selected workers' output.
// Chunks keep flowing until the client disconnects; the returned cancels
// detach the listeners at that point.
func (s *Server) handleLogs(w *connWriter, cmd Command) []func() {
	names := []string{cmd.Name}
	multiplex := false
	if cmd.Name == "" {
		names = s.sup.Names()
		multiplex = true
	}

	var cancels []func()
	for _, name := range names {
		prefix := ""
		if multiplex {
			prefix = "[" + name + "] "
		}
		cancel, err := s.sup.SubscribeLogs(name, func(chunk []byte) {
			_ = w.send(okResponse(prefix + string(chunk)))
		})
		if err != nil {
			for _, c := range cancels {
				c()
			}
			_ = w.send(errResponse(err.Error()))
			return nil
		}
		cancels = append(cancels, cancel)
	}
	_ = w.send(okResponse(fmt.Sprintf("streaming logs for %d worker(s)", len(cancels))))
	return cancels
}
