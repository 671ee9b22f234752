package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/orchestrator"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const pairHelp = `Commands:
  enter <pair>   observer comes near; the pair talks
  leave <pair>   observer walks away; the pair pauses
  end <pair>     end the conversation
  quit           exit`

func newPairCmd(opts *globalOptions) *cobra.Command {
	var pairsFile string
	var simulate bool

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Let paired agents talk to each other",
		Long:  "Run agent-to-agent conversations declared in the pairs file.\nEvery pair starts as soon as the command runs.\n\n" + pairHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, simulate)
			if err != nil {
				return err
			}
			defer a.close()

			if pairsFile == "" {
				pairsFile = a.cfg.Conversation.PairsFile
			}
			pairs, err := orchestrator.LoadPairs(pairsFile)
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				return fmt.Errorf("no pairs declared in %s", pairsFile)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			out := cmd.OutOrStdout()
			a.printTranscripts(out)

			orch := orchestrator.New(a.cfg.OrchestratorConfig(), a.bus, a.metrics, a.logger)
			orch.OnTeardown(func(p *orchestrator.Pair) {
				// The first agent takes manual input again.
				_ = a.ctrl.SetActive(p.A.AgentID())
			})
			a.bus.Subscribe(bus.EventTypeConversationEnded, func(e bus.Event) {
				fmt.Fprintln(out, dimStyle.Render("[conversation "+e.String("pair")+" ended]"))
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.queue.Run(ctx, a.frameInterval()) })
			g.Go(func() error { return a.serveMetrics(ctx) })
			a.ctrl.Start(ctx)
			orch.Start(ctx)

			for _, pc := range pairs {
				sa, err := a.ctrl.Session(pc.AgentA)
				if err != nil {
					return err
				}
				sb, err := a.ctrl.Session(pc.AgentB)
				if err != nil {
					return err
				}
				if _, err := sa.Initialize(ctx, ""); err != nil {
					return err
				}
				if _, err := sb.Initialize(ctx, ""); err != nil {
					return err
				}
				if _, err := orch.AddPair(pc.ID, pc.Topic, sa, sb); err != nil {
					return err
				}
				if err := orch.SetObserverNear(pc.ID, true); err != nil {
					return err
				}
				fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s: %s and %s on %q", pc.ID, sa.Name(), sb.Name(), pc.Topic)))
			}
			fmt.Fprintln(out, dimStyle.Render(pairHelp))

			g.Go(func() error {
				defer cancel()
				return pairLoop(ctx, orch, cmd.InOrStdin(), out)
			})
			err = g.Wait()
			orch.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&pairsFile, "pairs", "", "pairs file (default: conversation.pairs_file)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the built-in simulated service")
	return cmd
}

// pairLoop applies observer commands read from in until EOF, quit or ctx ends.
func pairLoop(ctx context.Context, orch *orchestrator.Orchestrator, in io.Reader, out io.Writer) error {
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
				// Without input the pairs keep talking until interrupted.
				<-ctx.Done()
				return nil
			}
			verb, pairID, _ := strings.Cut(strings.TrimSpace(line), " ")
			pairID = strings.TrimSpace(pairID)

			var err error
			switch verb {
			case "":
				continue
			case "quit", "exit":
				return nil
			case "enter":
				err = orch.SetObserverNear(pairID, true)
			case "leave":
				err = orch.SetObserverNear(pairID, false)
			case "end":
				err = orch.EndConversation(pairID)
			default:
				err = errors.New("unknown command " + verb)
			}
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
		}
	}
}
