package watchdog

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/forage/errors"
)

// Supervisor restarts a named external service.
type Supervisor interface {
	Restart(ctx context.Context, service string) error
}

// SupervisorFunc adapts a function to Supervisor.
type SupervisorFunc func(ctx context.Context, service string) error

func (f SupervisorFunc) Restart(ctx context.Context, service string) error { return f(ctx, service) }

// CommandSupervisor restarts services by running a command template such as
// "systemctl restart {service}". The template is split with shell quoting
// rules; it is never passed to a shell.
type CommandSupervisor struct {
	argv    []string
	timeout time.Duration
}

// NewCommandSupervisor parses the template. Every {service} placeholder is
// substituted per call.
func NewCommandSupervisor(template string, timeout time.Duration) (*CommandSupervisor, error) {
	argv, err := shellquote.Split(template)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid supervisor command %q", template)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("supervisor command is empty")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &CommandSupervisor{argv: argv, timeout: timeout}, nil
}

// Command returns the argv that would restart service.
func (s *CommandSupervisor) Command(service string) []string {
	out := make([]string, len(s.argv))
	for i, a := range s.argv {
		out[i] = strings.ReplaceAll(a, "{service}", service)
	}
	return out
}

// Restart runs the command and fails on a non-zero exit.
func (s *CommandSupervisor) Restart(ctx context.Context, service string) error {
	if service == "" {
		return errors.NewInvalidRequestError("service name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	argv := s.Command(service)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return errors.WithDetail(
			errors.Wrapf(err, "restart of %s failed", service),
			strings.TrimSpace(string(out)))
	}
	return nil
}
