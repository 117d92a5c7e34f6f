package control

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zuz/zpm/internal/worker"
)

// DefaultNamespace names the control socket and PID file.
const DefaultNamespace = "zuz-pm"

// Command is one request line on the control socket, tagged by Cmd.
// Known commands: ping, start, stop, restart, delete, stats, list,
// logs, get-store.
type Command struct {
	Cmd    string         `json:"cmd"`
	Name   string         `json:"name,omitempty"`
	Config *worker.Config `json:"config,omitempty"`
}

// Response is one reply line. Exactly one of Data or Error is meaningful,
// selected by OK.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func okResponse(data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return errResponse("encode response: " + err.Error())
	}
	return Response{OK: true, Data: raw}
}

func errResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}

// SocketPath derives the control socket path for a namespace.
func SocketPath(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return filepath.Join(os.TempDir(), namespace+".sock")
}

// PIDFilePath is where the daemon records its own pid.
func PIDFilePath(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return filepath.Join(os.TempDir(), namespace+".pid")
}
