package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

// Process is a started service process
type Process interface {
	// Wait blocks until the process exits
	Wait() error
}

// Runner starts service processes. Cancelling ctx must terminate the
// process. Errors wrapping ErrInvalidService are never retried.
type Runner interface {
	Start(ctx context.Context, desc types.ServiceDescriptor) (Process, error)
}

// ExecRunner starts services as local OS processes
type ExecRunner struct {
	shutdownWait time.Duration
	lookupEnv    func(string) (string, bool)
	environ      func() []string
}

// NewExecRunner creates a runner that gives processes shutdownWait to exit
// after SIGTERM before killing them
func NewExecRunner(shutdownWait time.Duration) *ExecRunner {
	return &ExecRunner{
		shutdownWait: shutdownWait,
		lookupEnv:    os.LookupEnv,
		environ:      os.Environ,
	}
}

// Start validates desc, then spawns its command with the environment its
// launcher kind calls for
func (r *ExecRunner) Start(ctx context.Context, desc types.ServiceDescriptor) (Process, error) {
	spec := desc.Spec

	dir := r.expand(strings.TrimSpace(spec.WorkingDir))
	command, err := r.resolveCommand(r.expand(spec.Command), dir)
	if err != nil {
		return nil, err
	}

	var args []string
	var env []string
	switch spec.Launcher {
	case "", types.LauncherGeneric:
		args = r.genericArgs(spec.Args)
		env = r.buildEnv(r.environ(), desc, true)
	case types.LauncherSimple:
		for _, a := range spec.Args {
			args = append(args, r.expand(a))
		}
		env = r.buildEnv(nil, desc, false)
	default:
		return nil, fmt.Errorf("%w: unknown launcher %q", ErrInvalidService, spec.Launcher)
	}

	logger := log.WithServiceID(desc.ID())
	stdout := newLineWriter(logger, "stdout")
	stderr := newLineWriter(logger, "stderr")

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.shutdownWait

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	logger.Debug().
		Str("command", command).
		Strs("args", args).
		Int("pid", cmd.Process.Pid).
		Msg("Process started")
	return &execProcess{cmd: cmd, outputs: []*lineWriter{stdout, stderr}}, nil
}

// resolveCommand checks that the working directory exists and that command
// names an executable file
func (r *ExecRunner) resolveCommand(command, dir string) (string, error) {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: working directory %s does not exist", ErrInvalidService, dir)
		}
	}
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidService)
	}
	if dir != "" && !filepath.IsAbs(command) && strings.ContainsRune(command, filepath.Separator) {
		command = filepath.Join(dir, command)
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%w: command %s is missing or not executable: %v", ErrInvalidService, command, err)
	}
	return path, nil
}

// genericArgs splits every argument on unescaped spaces and expands
// variables in each piece
func (r *ExecRunner) genericArgs(args []string) []string {
	var out []string
	for _, a := range args {
		for _, part := range splitArguments(a) {
			out = append(out, r.expand(part))
		}
	}
	return out
}

// buildEnv layers the service variables over base. Variables with a
// separator append to an existing value instead of replacing it.
func (r *ExecRunner) buildEnv(base []string, desc types.ServiceDescriptor, component bool) []string {
	env := newEnvList(base)
	env.set("SERVICE_NAME", desc.ID())
	if component {
		env.set("COMPONENT_NAME", desc.Spec.Name)
	}
	for _, v := range desc.Spec.Env {
		value := r.expand(v.Value)
		if v.Sep != "" {
			if cur, ok := env.get(v.Key); ok && cur != "" {
				value = cur + v.Sep + value
			}
		}
		env.set(v.Key, value)
	}
	return env.list()
}

// expand replaces $VAR and ${VAR} from the agent environment. Unset
// variables expand to the empty string.
func (r *ExecRunner) expand(s string) string {
	return os.Expand(s, func(key string) string {
		v, _ := r.lookupEnv(key)
		return v
	})
}

// splitArguments splits on spaces not preceded by a backslash and unescapes
// the escaped ones
func splitArguments(arg string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case c == '\\' && i+1 < len(arg) && arg[i+1] == ' ':
			cur.WriteByte(' ')
			i++
		case c == ' ':
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// envList is an ordered KEY=VALUE set
type envList struct {
	keys   []string
	values map[string]string
}

func newEnvList(base []string) *envList {
	e := &envList{values: make(map[string]string, len(base))}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		e.set(k, v)
	}
	return e
}

func (e *envList) get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

func (e *envList) set(key, value string) {
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

func (e *envList) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

type execProcess struct {
	cmd     *exec.Cmd
	outputs []*lineWriter
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	for _, w := range p.outputs {
		w.flush()
	}
	return err
}

// maxLineBytes caps a buffered output line. Longer lines are logged in
// pieces.
const maxLineBytes = 64 << 10

// lineWriter logs each complete line written to it at debug level
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	logger zerolog.Logger
	stream string
}

func newLineWriter(logger zerolog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.logger.Debug().Str("stream", w.stream).Msg(string(bytes.TrimRight(line, "\r")))
}
