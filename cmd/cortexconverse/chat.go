package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/normanking/cortexconverse/internal/feedback"
	"github.com/normanking/cortexconverse/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Commands:
  /interrupt              stop the current response
  /agent <id>             talk to another agent
  /trigger <name> [msg]   fire a narrative trigger
  /up [text]              rate the last response up
  /down [text]            rate the last response down
  /log [n]                show the last n log entries (default 20)
  /quit                   exit`

func newChatCmd(opts *globalOptions) *cobra.Command {
	var agentID string
	var simulate bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an agent from the terminal",
		Long:  "Send typed lines to an agent and print its spoken replies.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, simulate)
			if err != nil {
				return err
			}
			defer a.close()

			if agentID != "" {
				if err := a.ctrl.SetActive(agentID); err != nil {
					return err
				}
			}
			active := a.ctrl.Active()
			if active == nil {
				return errors.New("no agents configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			out := cmd.OutOrStdout()
			a.printTranscripts(out)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.queue.Run(ctx, a.frameInterval()) })
			g.Go(func() error { return a.serveMetrics(ctx) })
			a.ctrl.Start(ctx)

			if _, err := a.ctrl.InitializeSession(ctx, active.AgentID(), ""); err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
			fmt.Fprintln(out, titleStyle.Render("Talking to "+active.Name()))
			fmt.Fprintln(out, dimStyle.Render("Type /help for commands."))

			g.Go(func() error {
				defer cancel()
				return a.chatLoop(ctx, cmd.InOrStdin(), out)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to talk to (default: first configured agent)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the built-in simulated service")
	return cmd
}

// chatLoop reads commands and utterances from in until EOF, /quit or ctx ends.
func (a *app) chatLoop(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
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
				// Let the last response finish before exiting.
				if s := a.ctrl.Active(); s != nil {
					_ = s.WaitTurn(ctx)
				}
				return nil
			}
			quit, err := a.handleLine(ctx, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) handleLine(ctx context.Context, line string, out io.Writer) (bool, error) {
	if line == "" {
		return false, nil
	}
	active := a.ctrl.Active()

	if !strings.HasPrefix(line, "/") {
		err := a.ctrl.SendText(ctx, active.AgentID(), line, nil)
		if errors.Is(err, session.ErrTurnAlreadyInFlight) {
			fmt.Fprintln(out, dimStyle.Render("(still answering; /interrupt to cut in)"))
			return false, nil
		}
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(out, dimStyle.Render(chatHelp))

	case "/interrupt":
		return false, a.ctrl.Interrupt(active.AgentID())

	case "/agent":
		if rest == "" {
			return false, errors.New("usage: /agent <id>")
		}
		if err := a.ctrl.SetActive(rest); err != nil {
			return false, err
		}
		next := a.ctrl.Active()
		if next.SessionID() == "" {
			if _, err := next.Initialize(ctx, ""); err != nil {
				return false, err
			}
		}
		fmt.Fprintln(out, titleStyle.Render("Talking to "+next.Name()))

	case "/trigger":
		name, msg, _ := strings.Cut(rest, " ")
		if name == "" {
			return false, errors.New("usage: /trigger <name> [message]")
		}
		return false, a.ctrl.SendTrigger(ctx, active.AgentID(), name, strings.TrimSpace(msg))

	case "/up", "/down":
		interaction := active.InteractionID()
		if interaction == "" {
			return false, errors.New("no response to rate yet")
		}
		a.feedback.SubmitAsync(interaction, cmd == "/up", feedback.TextAfterColon(rest))
		fmt.Fprintln(out, dimStyle.Render("(feedback sent)"))

	case "/log":
		n := 20
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v <= 0 {
				return false, errors.New("usage: /log [n]")
			}
			n = v
		}
		a.printLog(out, n)

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}
