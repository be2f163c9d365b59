// Package launcher assembles a daemon subprocess command line and spawns
// it detached from the client.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/buildrun/daemonconnect/internal/config"
	"github.com/buildrun/daemonconnect/internal/logger"
)

// StartError reports a subprocess spawn failure, always surfaced to the
// caller with enough detail to diagnose it.
type StartError struct {
	ID         string
	WorkingDir string
	Command    string
	Err        error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start daemon %s in %s: %v\ncommand: %s", e.ID, e.WorkingDir, e.Err, e.Command)
}

func (e *StartError) Unwrap() error { return e.Err }

// IllegalConfiguration reports a missing required artifact.
type IllegalConfiguration struct {
	Missing string
	Dir     string
}

func (e *IllegalConfiguration) Error() string {
	return fmt.Sprintf("required artifact %q not found in %s", e.Missing, e.Dir)
}

// Process is the narrow view the orchestrator's handshake poll needs of a
// spawned daemon: is it still alive, and what's its pid for diagnostics.
// Satisfied by *Handle; tests substitute a fake.
type Process interface {
	Alive() bool
	PID() int
}

// Starter spawns a daemon subprocess for daemonID. Satisfied by Launcher;
// tests substitute a fake that never touches a real process.
type Starter interface {
	Start(daemonID string) (Process, error)
}

// Handle is the running child; the launcher does not wait on it and does
// not own its lifetime past spawn.
type Handle struct {
	Cmd *exec.Cmd
}

// Alive reports whether the child process can still be signaled: a
// signal-0 probe against the recorded PID.
func (h *Handle) Alive() bool {
	if h.Cmd == nil || h.Cmd.Process == nil {
		return false
	}
	return h.Cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (h *Handle) PID() int {
	if h.Cmd == nil || h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// Launcher spawns daemon subprocesses per Parameters.
type Launcher struct {
	Params config.Parameters
	Logs   logger.Config
}

// New returns a Launcher configured from p. Only the rotation settings of
// logs are used for the per-daemon log file, which is placed in
// p.StorageDir; logger.Config.Writers is not used.
func New(p config.Parameters, logs logger.Config) Launcher {
	return Launcher{Params: p, Logs: logs}
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func pathListSep() string {
	return string(os.PathListSeparator)
}

// findArtifact locates the single file under dir whose name starts with
// prefix. A missing artifact is a fatal startup error, surfaced here as
// IllegalConfiguration.
func findArtifact(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", &IllegalConfiguration{Missing: prefix + "*", Dir: dir}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", &IllegalConfiguration{Missing: prefix + "*", Dir: dir}
}

// projectJVMArgs reads extra args from a per-project config file, one per
// non-blank, non-comment line. A missing file is not an error.
func projectJVMArgs(path string) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var args []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args = append(args, line)
	}
	return args
}

// buildArgv assembles the command-line argv: exactly one -classpath,
// exactly one -javaagent, -Xms/-Xmx iff configured, entry-point class
// last. Apart from reading the library directory and the per-project
// config file it has no side effects, so it is testable without spawning.
func buildArgv(p config.Parameters, daemonID string) ([]string, error) {
	commonLib, err := findArtifact(p.LibraryDir, "common-")
	if err != nil {
		return nil, err
	}
	agentLib, err := findArtifact(p.LibraryDir, "agent-")
	if err != nil {
		return nil, err
	}

	classpath := commonLib + pathListSep() + agentLib

	var argv []string
	argv = append(argv, "-classpath", classpath)
	argv = append(argv, "-javaagent:"+agentLib)

	if p.DebugOpt != "" {
		argv = append(argv, p.DebugOpt)
	}
	argv = append(argv, p.JVMArgs...)
	argv = append(argv, projectJVMArgs(p.ProjectJVMConfigFile)...)

	if p.MinHeap != "" {
		argv = append(argv, "-Xms"+p.MinHeap)
	}
	if p.MaxHeap != "" {
		argv = append(argv, "-Xmx"+p.MaxHeap)
	}

	// mandatory daemon options
	argv = append(argv,
		"--runtime-home", p.RuntimeHome,
		"--daemon-id", daemonID,
		"--storage-dir", p.StorageDir,
		"--registry-path", p.RegistryPath,
	)

	// discriminating options: echoed into the daemon's reported runtime
	// profile so a later Compatibility Predicate check can require an
	// exact match.
	argv = append(argv, p.DiscriminatingOpts...)

	argv = append(argv, p.EntryPointClass)
	return argv, nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func runtimeExe(p config.Parameters) string {
	return filepath.Join(p.RuntimeHome, "bin", "runtime"+exeSuffix())
}

// Start assembles the command line, spawns the child detached from the
// current process group, and redirects its stdout/stderr to an
// append-mode per-daemon log file. It does not wait for the child or
// verify it reaches a ready state; that is the orchestrator's job.
func (l Launcher) Start(daemonID string) (Process, error) {
	argv, err := buildArgv(l.Params, daemonID)
	if err != nil {
		return nil, &StartError{ID: daemonID, WorkingDir: l.Params.StorageDir, Command: strings.Join(argv, " "), Err: err}
	}

	exe := runtimeExe(l.Params)
	cmd := exec.Command(exe, argv...)
	cmd.Dir = l.Params.StorageDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Stdout and stderr of the child are both appended to a single
	// daemon-<id>.out.log, distinct from logger.Config.Writers' usual
	// split stdout/stderr files.
	logPath := filepath.Join(l.Params.StorageDir, fmt.Sprintf("daemon-%s.out.log", daemonID))
	out := &lj.Logger{
		Filename:   logPath,
		MaxSize:    valOr(l.Logs.MaxSizeMB, logger.DefaultMaxSizeMB),
		MaxBackups: valOr(l.Logs.MaxBackups, logger.DefaultMaxBackups),
		MaxAge:     valOr(l.Logs.MaxAgeDays, logger.DefaultMaxAgeDays),
		Compress:   l.Logs.Compress,
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, &StartError{ID: daemonID, WorkingDir: cmd.Dir, Command: cmd.String(), Err: err}
	}

	// The child is detached; reap it in the background so it never
	// becomes a zombie if it happens to exit while still our child on
	// platforms where Setsid doesn't fully disown it.
	go cmd.Wait()

	return &Handle{Cmd: cmd}, nil
}

var (
	_ Process = (*Handle)(nil)
	_ Starter = Launcher{}
)
