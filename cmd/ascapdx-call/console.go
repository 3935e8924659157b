package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ascapdx/callcore/internal/call"
	"github.com/ascapdx/callcore/internal/history"
	"github.com/ascapdx/callcore/internal/media"
)

var (
	errUsage = errors.New("usage")
	errQuit  = errors.New("console: quit")
)

// controller is the part of call.Machine the console drives.
type controller interface {
	StartCall(ctx context.Context, peer string, kind media.Kind) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context, reason string) error
	Hangup(ctx context.Context) error
	Handoff(ctx context.Context, autoAnswer bool) error
	SetMuted(ctx context.Context, muted bool) error
	SetCamera(ctx context.Context, on bool) error
	SetProfile(ctx context.Context, name string) error
	Snapshot(ctx context.Context) (call.Session, error)
}

const consoleHelp = `commands:
  call <peer> [voice|video]   place a call
  accept                      answer the ringing call
  reject [reason]             decline the ringing call
  hangup                      end the current call
  mute on|off                 mute or unmute the microphone
  camera on|off               turn the camera off or on
  profile <best|standard>     switch the capture profile
  handoff [auto]              hand the ringing call to another agent
  status                      show the current call
  history                     show calls loaded since the last call ended
  quit                        leave`

type console struct {
	ctl         controller
	out         *lineWriter
	defaultKind media.Kind
	duration    func() time.Duration
	// history is nil when no REST backend is configured.
	history     *history.View
}

// exec runs one command line. It reports quit for the quit command.
func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "call":
		if len(args) < 1 || len(args) > 2 {
			return false, fmt.Errorf("%w: call <peer> [voice|video]", errUsage)
		}
		kind := c.defaultKind
		if len(args) == 2 {
			if kind, err = media.ParseKind(args[1]); err != nil {
				return false, err
			}
		}
		return false, c.ctl.StartCall(ctx, args[0], kind)
	case "accept", "answer":
		return false, c.ctl.Accept(ctx)
	case "reject", "decline":
		return false, c.ctl.Reject(ctx, strings.Join(args, "-"))
	case "hangup", "end":
		return false, c.ctl.Hangup(ctx)
	case "mute":
		on, err := parseOnOff(args, true)
		if err != nil {
			return false, err
		}
		return false, c.ctl.SetMuted(ctx, on)
	case "unmute":
		return false, c.ctl.SetMuted(ctx, false)
	case "camera":
		on, err := parseOnOff(args, true)
		if err != nil {
			return false, err
		}
		return false, c.ctl.SetCamera(ctx, on)
	case "profile":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: profile <%s>", errUsage, strings.Join(media.ProfileNames(), "|"))
		}
		return false, c.ctl.SetProfile(ctx, args[0])
	case "handoff":
		auto := len(args) == 1 && strings.EqualFold(args[0], "auto")
		if len(args) > 1 || (len(args) == 1 && !auto) {
			return false, fmt.Errorf("%w: handoff [auto]", errUsage)
		}
		return false, c.ctl.Handoff(ctx, auto)
	case "status":
		s, err := c.ctl.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		c.out.Printf("%s", c.describe(s))
		return false, nil
	case "history":
		if c.history == nil {
			return false, errors.New("history needs --api-base-url")
		}
		return false, printRecords(c.out, c.history.Visible())
	case "help", "?":
		c.out.Printf("%s", consoleHelp)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (c *console) describe(s call.Session) string {
	if !s.Active() {
		return "idle"
	}
	line := fmt.Sprintf("%s %s %s call with %s", s.State, s.Direction, s.Kind, s.Peer)
	if s.State == call.StateInCall && c.duration != nil {
		line += fmt.Sprintf(" (%s)", c.duration().Truncate(time.Second))
	}
	return line
}

func parseOnOff(args []string, dflt bool) (bool, error) {
	if len(args) == 0 {
		return dflt, nil
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off, got %q", errUsage, args[0])
	}
}

// run reads commands from in until ctx ends and returns errQuit on quit.
// Command errors are printed, not returned. At EOF the agent keeps running
// headless.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			quit, err := c.exec(ctx, line)
			if err != nil {
				c.out.Printf("error: %v", err)
			}
			if quit {
				return errQuit
			}
		}
	}
}
