package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/tool"
)

const killWait = 5 * time.Second

// spawn starts the tool process and its output readers. Network tools
// declared without a command are managed externally and spawn nothing.
func (m *Manager) spawn(inst *Instance) error {
	def := inst.def
	if inst.external() {
		inst.setProcess(nil, 0, time.Now())
		return nil
	}

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.WorkingDirectory
	cmd.Env = append(os.Environ(), flattenEnv(def.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	inst.setProcess(cmd, cmd.Process.Pid, time.Now())

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		captureLines(stderr, func(line string) { inst.appendLog(StreamStderr, line) })
	}()

	if def.ConnectionType == tool.ConnectionStdio {
		tr := bridge.NewStdioTransport(bridge.StdioConfig{
			Stdin:  stdin,
			Stdout: stdout,
			Logger: m.log.With("tool", def.Name, "pid", cmd.Process.Pid),
			OnLine: func(line string) {
				if !json.Valid([]byte(line)) {
					inst.appendLog(StreamStdout, line)
				}
			},
		})
		inst.setTransport(tr)
		readers.Add(1)
		go func() {
			defer readers.Done()
			<-tr.Done()
			if errors.Is(tr.Err(), bufio.ErrTooLong) {
				m.log.Error("tool stdout line too long; killing tool", "tool", def.Name, "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
			}
		}()
	} else {
		inst.stdin = stdin
		readers.Add(1)
		go func() {
			defer readers.Done()
			captureLines(stdout, func(line string) { inst.appendLog(StreamStdout, line) })
		}()
	}

	go m.wait(inst, cmd, &readers)
	return nil
}

// wait drains the output readers before reaping the process so the stderr
// tail is complete when the exit is handled.
func (m *Manager) wait(inst *Instance, cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	m.finish(inst, err)
	m.onExit(inst)
}

// finish marks the instance as exited and gives back its process slot.
func (m *Manager) finish(inst *Instance, err error) {
	inst.finishOnce.Do(func() {
		inst.exitErr = err
		close(inst.exited)
		m.release()
	})
}

// watchExternal treats a dropped connection to an externally managed tool as
// a crash.
func (m *Manager) watchExternal(inst *Instance, tr bridge.Transport) {
	select {
	case <-tr.Done():
	case <-inst.exited:
		return
	}
	m.finish(inst, tr.Err())
	m.onExit(inst)
}

// terminate releases the instance's transport and ends its process. With
// graceful set the process gets SIGTERM and the grace period before the kill.
func (m *Manager) terminate(ctx context.Context, inst *Instance, graceful bool) error {
	if tr := inst.Transport(); tr != nil {
		if err := tr.Close(ctx); err != nil {
			m.log.Debug("close tool transport", "tool", inst.ToolName(), "error", err)
		}
	}
	if inst.stdin != nil {
		_ = inst.stdin.Close()
	}

	cmd := inst.process()
	if cmd == nil || cmd.Process == nil {
		m.finish(inst, nil)
		return nil
	}

	if graceful {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.log.Debug("signal tool", "tool", inst.ToolName(), "pid", inst.PID(), "error", err)
		}
		if waitExit(ctx, inst, m.cfg.GracePeriod) {
			return nil
		}
		m.log.Warn("tool did not exit within grace period; killing",
			"tool", inst.ToolName(),
			"pid", inst.PID(),
			"grace_period", m.cfg.GracePeriod,
		)
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Debug("kill tool", "tool", inst.ToolName(), "pid", inst.PID(), "error", err)
	}
	if !waitExit(context.Background(), inst, killWait) {
		return tool.Errorf(tool.KindProcessTimeout, "tool %q (pid %d) did not exit after kill", inst.ToolName(), inst.PID())
	}
	return nil
}

func waitExit(ctx context.Context, inst *Instance, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-inst.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) crashError(inst *Instance) *tool.ToolError {
	exitErr := inst.ExitErr()
	if inst.external() {
		return tool.NewError(tool.KindProcessCrash,
			fmt.Sprintf("connection to tool %q dropped", inst.ToolName()), true, exitErr)
	}

	code := 0
	var exit *exec.ExitError
	switch {
	case errors.As(exitErr, &exit):
		code = exit.ExitCode()
	case exitErr != nil:
		code = -1
	}
	details := map[string]any{"exit_code": code, "pid": inst.PID()}
	if tail := inst.stderrTail(10); tail != "" {
		details["stderr_tail"] = tail
	}
	return tool.NewError(tool.KindProcessCrash,
		fmt.Sprintf("tool %q exited unexpectedly with code %d", inst.ToolName(), code), true, exitErr).
		WithDetails(details)
}

func captureLines(r io.Reader, sink func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	// Drain whatever is left after an over-long line so the child never
	// blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
