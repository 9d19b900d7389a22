package svc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays the node's service logs with the platform's log tool.
func ViewLogs(goos string, opts LogOptions) error {
	cmd, err := logCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand builds the command that shows the logs: journalctl for
// systemd units, tail over the launchd log files on macOS.
func logCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager", "-o", "cat"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil

	case "darwin":
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-F")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
		)
		return exec.Command("tail", args...), nil

	default:
		return nil, fmt.Errorf("log viewing not supported on %s; check the system event log for source %q", goos, opts.ServiceName)
	}
}
