// Package task implements the long-running task registry (spec component
// C7): UPID allocation, a persistent per-task log, abort signalling, and
// crash-resilient status recovery across process restarts.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"vaultkeep/internal/logging"
)

// State is a task's terminal or in-flight outcome.
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateOk
	StateWarning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateOk:
		return "Ok"
	case StateWarning:
		return "Warning"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is the final (or current) outcome of one task.
type Status struct {
	State    State
	Warnings int
	Message  string // set for StateError
	EndTime  time.Time
}

// UPID is a parsed unique process task id, colon-separated as
// <node>:<pid>:<pstart>:<task_id>:<starttime>:<worker_type>:<worker_id>:<user>:
type UPID struct {
	Node       string
	PID        int
	PStart     uint64
	TaskID     uint64
	StartTime  int64
	WorkerType string
	WorkerID   string
	User       string
}

// String renders the UPID in its canonical wire form.
func (u UPID) String() string {
	return fmt.Sprintf("%s:%08X:%08X:%08X:%08X:%s:%s:%s:",
		u.Node, u.PID, u.PStart, u.TaskID, u.StartTime, u.WorkerType, u.WorkerID, u.User)
}

// ErrBadUPID is returned by ParseUPID when the string does not have the
// expected colon-separated field count.
var ErrBadUPID = errors.New("task: malformed UPID string")

// ParseUPID parses a UPID previously produced by UPID.String.
func ParseUPID(s string) (UPID, error) {
	fields := strings.Split(s, ":")
	// 8 fields plus a trailing empty string from the final colon.
	if len(fields) != 9 || fields[8] != "" {
		return UPID{}, ErrBadUPID
	}
	pid, err := strconv.ParseInt(fields[1], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("%w: pid: %w", ErrBadUPID, err)
	}
	pstart, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("%w: pstart: %w", ErrBadUPID, err)
	}
	taskID, err := strconv.ParseUint(fields[3], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("%w: task_id: %w", ErrBadUPID, err)
	}
	startTime, err := strconv.ParseInt(fields[4], 16, 64)
	if err != nil {
		return UPID{}, fmt.Errorf("%w: starttime: %w", ErrBadUPID, err)
	}
	return UPID{
		Node:       fields[0],
		PID:        int(pid),
		PStart:     pstart,
		TaskID:     taskID,
		StartTime:  startTime,
		WorkerType: fields[5],
		WorkerID:   fields[6],
		User:       fields[7],
	}, nil
}

// LogPath returns this UPID's persistent log file path under dir.
func (u UPID) LogPath(dir string) string {
	return filepath.Join(dir, u.String())
}

// Task is one in-flight or finished unit of work: a backup, verify, prune,
// GC, or sync run. Cancellation uses a one-shot channel rather than a
// back-pointer from the abort sender to the task, so the two sides never
// form a reference cycle (§9 "cyclic references... broken by using a
// one-shot channel").
type Task struct {
	upid       UPID
	logPath    string
	logFile    *os.File
	logMu      sync.Mutex
	logger     *slog.Logger
	warnings   atomic.Int64
	abortOnce  sync.Once
	abortCh    chan struct{}
	aborted    atomic.Bool
	registry   *Registry
	finishOnce sync.Once
}

// Logger returns this task's scoped logger, for components started by the
// caller that should log under the same task identity (UPID, worker type).
func (t *Task) Logger() *slog.Logger { return t.logger }

// Warn records a warning against the task and appends it to the log.
func (t *Task) Warn(msg string, args ...any) {
	t.warnings.Add(1)
	t.logger.Warn(msg, args...)
	t.writeLog("WARN: " + formatMsg(msg, args))
}

// Log appends an informational line to the task's persistent log.
func (t *Task) Log(msg string, args ...any) {
	t.logger.Info(msg, args...)
	t.writeLog(formatMsg(msg, args))
}

func formatMsg(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf("%s %v", msg, args)
}

func (t *Task) writeLog(line string) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if t.logFile == nil {
		return
	}
	_, _ = t.logFile.WriteString(line + "\n")
}

// Abort marks the task aborted and wakes every goroutine blocked on
// Aborted(). Safe to call more than once or concurrently.
func (t *Task) Abort() {
	t.aborted.Store(true)
	t.abortOnce.Do(func() { close(t.abortCh) })
}

// Aborted returns a channel closed once Abort has been called, for use in
// a select alongside other suspension points (§5 "cooperating loops must
// call check_abort() between units of work").
func (t *Task) Aborted() <-chan struct{} {
	return t.abortCh
}

// CheckAbort returns ErrTaskAborted if Abort has been called.
func (t *Task) CheckAbort() error {
	if t.aborted.Load() {
		return ErrTaskAborted
	}
	return nil
}

// ErrTaskAborted is returned by CheckAbort once a task has been aborted.
var ErrTaskAborted = errors.New("task: aborted")

// UPID returns the task's identity.
func (t *Task) UPID() UPID { return t.upid }

// finish writes the task's terminal log line and removes it from the
// registry's active set, recording it as finished. Idempotent: only the
// first call has effect, matching the "Running active-task reconciliation
// twice has the same effect as once" invariant for the in-process path.
func (t *Task) finish(state State, message string) Status {
	var status Status
	t.finishOnce.Do(func() {
		status = Status{State: state, Warnings: int(t.warnings.Load()), Message: message, EndTime: time.Now()}
		line := finalLogLine(status)
		t.writeLog(line)
		t.logMu.Lock()
		if t.logFile != nil {
			_ = t.logFile.Close()
			t.logFile = nil
		}
		t.logMu.Unlock()
		t.registry.finish(t.upid, status)
	})
	return status
}

// Ok finishes the task successfully, or with a Warning state if any
// warnings were recorded.
func (t *Task) Ok() Status {
	state := StateOk
	if t.warnings.Load() > 0 {
		state = StateWarning
	}
	return t.finish(state, "")
}

// Error finishes the task in the Error state, with msg as its final log
// line's payload (§7 "every terminal error writes a line
// TASK ERROR: <msg> to the task log as the final log entry").
func (t *Task) Error(msg string) Status {
	return t.finish(StateError, msg)
}

func finalLogLine(s Status) string {
	switch s.State {
	case StateError:
		return "TASK ERROR: " + s.Message
	case StateWarning:
		return fmt.Sprintf("TASK OK: WARNINGS: %d", s.Warnings)
	default:
		return "TASK OK: WARNINGS: 0"
	}
}

// Registry owns the allocation of task ids and UPIDs for one process, plus
// the active/index/archive persistence files under one task directory.
type Registry struct {
	dir        string
	node       string
	pid        int
	pstart     uint64
	logger     *slog.Logger
	now        func() time.Time
	indexLimit int

	nextID atomic.Uint64

	mu       sync.Mutex
	active   map[string]*Task
	finished []FinishedTask
}

// FinishedTask is one entry of the index/archive file.
type FinishedTask struct {
	UPID   UPID
	Status Status
}

// Config configures a new Registry.
type Config struct {
	Dir        string
	Node       string
	PID        int
	PStart     uint64
	IndexLimit int // default 1000
	Now        func() time.Time
	Logger     *slog.Logger
}

const activeFileName = "active"
const indexFileName = "index"
const archiveFileName = "archive"

// NewRegistry opens (creating if absent) the task directory's persistence
// files and returns a Registry with an empty active set. Recovering
// previously-active tasks from a prior process is Reconcile's job, called
// separately so callers can observe what was recovered.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("task: registry requires a directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("task: create task dir: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.IndexLimit
	if limit <= 0 {
		limit = 1000
	}
	r := &Registry{
		dir:        cfg.Dir,
		node:       cfg.Node,
		pid:        cfg.PID,
		pstart:     cfg.PStart,
		logger:     logging.Default(cfg.Logger).With("component", "task"),
		now:        now,
		indexLimit: limit,
		active:     make(map[string]*Task),
	}
	return r, nil
}

// Start allocates a new UPID, opens its log file, records it in the active
// file, and returns the running Task.
func (r *Registry) Start(workerType, user string) (*Task, error) {
	id := r.nextID.Add(1)
	workerID := uuid.Must(uuid.NewV7()).String()
	u := UPID{
		Node:       r.node,
		PID:        r.pid,
		PStart:     r.pstart,
		TaskID:     id,
		StartTime:  r.now().Unix(),
		WorkerType: workerType,
		WorkerID:   workerID,
		User:       user,
	}

	logPath := u.LogPath(r.dir)
	f, err := os.OpenFile(filepath.Clean(logPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("task: open log file: %w", err)
	}

	t := &Task{
		upid:     u,
		logPath:  logPath,
		logFile:  f,
		logger:   r.logger.With("upid", u.String(), "worker_type", workerType),
		abortCh:  make(chan struct{}),
		registry: r,
	}

	r.mu.Lock()
	r.active[u.String()] = t
	err = r.writeActiveLocked()
	r.mu.Unlock()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("task: persist active file: %w", err)
	}

	t.logger.Info("task started")
	return t, nil
}

// finish removes upid from the active set and appends it to the in-memory
// finished list plus the on-disk index/archive files.
func (r *Registry) finish(u UPID, status Status) {
	r.mu.Lock()
	delete(r.active, u.String())
	r.finished = append(r.finished, FinishedTask{UPID: u, Status: status})
	if len(r.finished) > r.indexLimit {
		r.finished = r.finished[len(r.finished)-r.indexLimit:]
	}
	err := r.writeActiveLocked()
	if err == nil {
		err = r.writeIndexLocked()
	}
	if err == nil {
		err = r.appendArchiveLocked(u, status)
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("task: failed to persist finished-task state", "upid", u.String(), "error", err)
	}
}

func (r *Registry) writeActiveLocked() error {
	var sb strings.Builder
	for upid := range r.active {
		sb.WriteString(upid)
		sb.WriteByte('\n')
	}
	return atomicWriteFile(filepath.Join(r.dir, activeFileName), []byte(sb.String()))
}

func (r *Registry) writeIndexLocked() error {
	var sb strings.Builder
	for _, ft := range r.finished {
		sb.WriteString(indexLine(ft))
		sb.WriteByte('\n')
	}
	return atomicWriteFile(filepath.Join(r.dir, indexFileName), []byte(sb.String()))
}

func (r *Registry) appendArchiveLocked(u UPID, status Status) error {
	f, err := os.OpenFile(filepath.Clean(filepath.Join(r.dir, archiveFileName)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(indexLine(FinishedTask{UPID: u, Status: status}) + "\n")
	return err
}

func indexLine(ft FinishedTask) string {
	return fmt.Sprintf("%s %s %d %s", ft.UPID.String(), ft.Status.State, ft.Status.EndTime.Unix(), ft.Status.Message)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// LiveChecker reports whether a (pid, pstart) pair still identifies a
// running process, so Reconcile can tell a genuinely-crashed task apart
// from one that is merely still running in another process that also
// happens to use this task directory.
type LiveChecker func(pid int, pstart uint64) bool

// Reconcile implements §4.7's crash-recovery: every UPID listed in the
// active file is checked for liveness; any whose (pid, pstart) is no
// longer alive is reclassified by parsing its log file's last line. A UPID
// that is still alive (this process's own just-started tasks, or another
// live process sharing the directory) is left untouched. Running this
// twice in a row is a no-op the second time, since the active file no
// longer lists a reclassified UPID (testable property #7).
func Reconcile(dir string, alive LiveChecker) ([]FinishedTask, error) {
	data, err := os.ReadFile(filepath.Join(dir, activeFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task: read active file: %w", err)
	}

	var stillActive []string
	var reclassified []FinishedTask
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		u, perr := ParseUPID(line)
		if perr != nil {
			continue
		}
		if alive(u.PID, u.PStart) {
			stillActive = append(stillActive, line)
			continue
		}
		status := replayLogTail(filepath.Join(dir, line))
		reclassified = append(reclassified, FinishedTask{UPID: u, Status: status})
	}

	var sb strings.Builder
	for _, upid := range stillActive {
		sb.WriteString(upid)
		sb.WriteByte('\n')
	}
	if err := atomicWriteFile(filepath.Join(dir, activeFileName), []byte(sb.String())); err != nil {
		return nil, fmt.Errorf("task: rewrite active file: %w", err)
	}

	if len(reclassified) > 0 {
		if err := appendReclassified(dir, reclassified); err != nil {
			return nil, err
		}
	}
	return reclassified, nil
}

func appendReclassified(dir string, tasks []FinishedTask) error {
	f, err := os.OpenFile(filepath.Clean(filepath.Join(dir, archiveFileName)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	for _, ft := range tasks {
		if _, err := f.WriteString(indexLine(ft) + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// replayLogTail parses a finished task's log file's last non-empty line,
// which is always "TASK OK|ERROR: ...|WARNINGS: n" for a task that reached
// a terminal state before the process died. A missing or malformed end
// marker falls back to Unknown with endtime == the file's mtime, per §4.7
// ("parsing tolerates missing end markers").
func replayLogTail(logPath string) Status {
	info, statErr := os.Stat(logPath)
	fallback := Status{State: StateUnknown}
	if statErr == nil {
		fallback.EndTime = info.ModTime()
	}

	data, err := os.ReadFile(filepath.Clean(logPath))
	if err != nil {
		return fallback
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return fallback
	}
	last := strings.TrimSpace(lines[len(lines)-1])

	switch {
	case strings.HasPrefix(last, "TASK ERROR: "):
		return Status{State: StateError, Message: strings.TrimPrefix(last, "TASK ERROR: "), EndTime: fallback.EndTime}
	case strings.HasPrefix(last, "TASK OK: WARNINGS: "):
		n, err := strconv.Atoi(strings.TrimPrefix(last, "TASK OK: WARNINGS: "))
		if err != nil {
			return fallback
		}
		state := StateOk
		if n > 0 {
			state = StateWarning
		}
		return Status{State: state, Warnings: n, EndTime: fallback.EndTime}
	default:
		return fallback
	}
}

// ProcessLiveChecker is the real OS-backed LiveChecker: a process is
// considered live if signal 0 can be delivered to its pid. A pid reused by
// an unrelated process between a crash and reconciliation is an accepted
// race this does not resolve further (pstart is threaded through the
// UPID so a fuller platform-specific start-time comparison can be
// layered in later without changing this signature).
func ProcessLiveChecker() LiveChecker {
	return func(pid int, _ uint64) bool {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return false
		}
		return proc.Signal(syscall.Signal(0)) == nil
	}
}
