package task

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// controlTimeout bounds every control-socket request (§5 "each task-control
// socket request has a small fixed timeout").
const controlTimeout = 5 * time.Second

// ControlSocketAddr returns the abstract (nameless) AF_UNIX address used to
// reach the control socket for the process identified by pid — abstract
// sockets are Linux-specific and have no filesystem presence. The returned
// string starts with '@', which Go's net package turns into the leading
// NUL byte of an abstract address.
func ControlSocketAddr(pid int) string {
	return "@vaultkeepd-task-" + fmt.Sprint(pid)
}

// ServeControl accepts connections on the abstract control socket for this
// process and serves "status" and "abort-task <upid>" commands against
// registry, until ctx is canceled.
func ServeControl(ctx context.Context, registry *Registry, pid int) error {
	ln, err := net.Listen("unix", ControlSocketAddr(pid))
	if err != nil {
		return fmt.Errorf("task: listen control socket: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("task: accept control connection: %w", err)
		}
		go handleControlConn(conn, registry)
	}
}

func handleControlConn(conn net.Conn, registry *Registry) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(controlTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		_, _ = fmt.Fprintln(conn, "error: empty command")
		return
	}

	switch fields[0] {
	case "status":
		writeStatus(conn, registry)
	case "abort-task":
		if len(fields) != 2 {
			_, _ = fmt.Fprintln(conn, "error: abort-task requires a upid argument")
			return
		}
		abortTask(conn, registry, fields[1])
	default:
		_, _ = fmt.Fprintf(conn, "error: unknown command %q\n", fields[0])
	}
}

func writeStatus(conn net.Conn, registry *Registry) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for upid := range registry.active {
		_, _ = fmt.Fprintf(conn, "running %s\n", upid)
	}
	for _, ft := range registry.finished {
		_, _ = fmt.Fprintf(conn, "finished %s %s\n", ft.UPID.String(), ft.Status.State)
	}
}

func abortTask(conn net.Conn, registry *Registry, upid string) {
	registry.mu.Lock()
	t, ok := registry.active[upid]
	registry.mu.Unlock()
	if !ok {
		_, _ = fmt.Fprintf(conn, "error: no active task %s\n", upid)
		return
	}
	t.Abort()
	_, _ = fmt.Fprintf(conn, "ok: abort requested for %s\n", upid)
}
