package sysproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"darwinrelay/internal/config"
	"darwinrelay/internal/logger"
)

// ErrCommand 系统代理命令执行失败
var ErrCommand = errors.New("sysproxy: command failed")

// CommandError 命令失败详情：退出码非零或 stderr 非空
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("sysproxy: %q failed", e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == ErrCommand }

// Runner 执行一条命令，返回 stdout 与 stderr
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
}

// ShellRunner 通过配置的 shell 执行命令
type ShellRunner struct {
	Shell []string
}

func (r ShellRunner) Run(ctx context.Context, command string) (string, string, error) {
	if len(r.Shell) == 0 {
		return "", "", errors.New("sysproxy: shell not configured")
	}
	args := append(append([]string{}, r.Shell[1:]...), command)
	cmd := exec.CommandContext(ctx, r.Shell[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Configurator 设置与恢复系统代理
type Configurator struct {
	cfg    config.SysProxy
	runner Runner
	log    logger.Logger
}

// New 创建系统代理配置器，runner 为 nil 时使用配置的 shell
func New(cfg config.SysProxy, runner Runner, l logger.Logger) *Configurator {
	if runner == nil {
		runner = ShellRunner{Shell: cfg.Shell}
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Configurator{cfg: cfg, runner: runner, log: l}
}

// Set 将系统代理指向 127.0.0.1:port
func (c *Configurator) Set(ctx context.Context, port int) error {
	return c.exec(ctx, fmt.Sprintf(c.cfg.SetCommand, port))
}

// Reset 恢复系统代理
func (c *Configurator) Reset(ctx context.Context) error {
	return c.exec(ctx, c.cfg.ResetCommand)
}

func (c *Configurator) exec(ctx context.Context, command string) error {
	stdout, stderr, err := c.runner.Run(ctx, command)
	stderr = strings.TrimSpace(stderr)
	if err != nil || stderr != "" {
		c.log.Error("系统代理命令执行失败", "command", command, "stderr", stderr, "error", err)
		return &CommandError{Command: command, Stderr: stderr, Err: err}
	}
	c.log.Info("系统代理命令执行成功", "command", command, "output", strings.TrimSpace(stdout))
	return nil
}
