package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zuz/zpm/internal/control"
	"github.com/zuz/zpm/internal/procstore"
	"github.com/zuz/zpm/internal/worker"
)

// DefaultTimeout bounds one command round-trip.
const DefaultTimeout = 10 * time.Second

// Client issues one-shot commands against the daemon's control socket.
// Each call opens a fresh connection, writes one line, reads one line,
// and closes.
type Client struct {
	namespace string
	timeout   time.Duration
}

func New(namespace string) *Client {
	if namespace == "" {
		namespace = control.DefaultNamespace
	}
	return &Client{namespace: namespace, timeout: DefaultTimeout}
}

// WithTimeout overrides the round-trip deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", control.SocketPath(c.namespace), c.timeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	return conn, nil
}

func (c *Client) do(cmd control.Command) (control.Response, error) {
	conn, err := c.dial()
	if err != nil {
		return control.Response{}, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	line, err := json.Marshal(cmd)
	if err != nil {
		return control.Response{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return control.Response{}, err
	}

	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return control.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp control.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return control.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// doInto runs cmd and decodes the data payload into out.
func (c *Client) doInto(cmd control.Command, out any) error {
	resp, err := c.do(cmd)
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	var pong string
	if err := c.doInto(control.Command{Cmd: "ping"}, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Start registers and starts a worker from its configuration.
func (c *Client) Start(cfg worker.Config) (string, error) {
	var msg string
	err := c.doInto(control.Command{Cmd: "start", Name: cfg.Name, Config: &cfg}, &msg)
	return msg, err
}

// StartByName starts a worker the daemon already knows.
func (c *Client) StartByName(name string) (string, error) {
	var msg string
	err := c.doInto(control.Command{Cmd: "start", Name: name}, &msg)
	return msg, err
}

func (c *Client) Stop(name string) (string, error) {
	var msg string
	err := c.doInto(control.Command{Cmd: "stop", Name: name}, &msg)
	return msg, err
}

func (c *Client) Restart(name string) (string, error) {
	var msg string
	err := c.doInto(control.Command{Cmd: "restart", Name: name}, &msg)
	return msg, err
}

func (c *Client) Delete(name string) (string, error) {
	var msg string
	err := c.doInto(control.Command{Cmd: "delete", Name: name}, &msg)
	return msg, err
}

// Stats returns stats records; name may be empty for all workers.
func (c *Client) Stats(name string) ([]worker.Stats, error) {
	var out []worker.Stats
	err := c.doInto(control.Command{Cmd: "stats", Name: name}, &out)
	return out, err
}

// List returns registered worker names in registration order.
func (c *Client) List() ([]string, error) {
	var out []string
	err := c.doInto(control.Command{Cmd: "list"}, &out)
	return out, err
}

// StoreRecords dumps the daemon's raw state records.
func (c *Client) StoreRecords() ([]procstore.Record, error) {
	var out []procstore.Record
	err := c.doInto(control.Command{Cmd: "get-store"}, &out)
	return out, err
}

// StreamLogs attaches to the output of name (all workers when empty) and
// delivers chunks to fn until ctx is done or the daemon closes the stream.
func (c *Client) StreamLogs(ctx context.Context, name string, fn func(string)) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	line, err := json.Marshal(control.Command{Cmd: "logs", Name: name})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return err
	}

	// closing the socket on ctx cancel unblocks the read below
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var resp control.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if !resp.OK {
			return errors.New(resp.Error)
		}
		var chunk string
		if err := json.Unmarshal(resp.Data, &chunk); err == nil {
			fn(chunk)
		}
	}
}
