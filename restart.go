package nanoclaw

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"pkt.systems/pslog"
)

// shellRestarter runs the configured restart command through /bin/sh in
// the background. The command usually stops this process, so Restart does
// not wait for it.
type shellRestarter struct {
	command string
}

func (r shellRestarter) Restart(ctx context.Context) error {
	command := strings.TrimSpace(r.command)
	if command == "" {
		return errors.New("service.restart_command is not configured")
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start restart command: %w", err)
	}
	log := pslog.Ctx(ctx).With("pid", cmd.Process.Pid)
	log.Info("service restart started")
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn("service restart command failed", "err", err)
		}
	}()
	return nil
}
