package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
	"github.com/mohammad-safakhou/deepscout/internal/runtime"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

func researchCMD() *cobra.Command {
	var cfgPath string
	var verbose bool
	var save bool

	cmd := &cobra.Command{
		Use:   "research <query>",
		Short: "Run one research session and print the cited report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			svc, err := runtime.BuildService(cfg, log.New(os.Stderr, "[ENGINE] ", log.LstdFlags))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub := svc.Engine.Bus().Subscribe(1024)
			go renderEvents(sub, verbose)
			defer sub.Close()

			session, err := svc.Engine.RunSession(ctx, query)
			if err != nil {
				return err
			}

			if save {
				st, serr := store.New(context.Background(), cfg.Storage)
				if serr != nil {
					return serr
				}
				defer st.Close()
				rec := store.RecordFromSessionWithConfig(session, cfg.Research)
				if serr := st.SaveSession(context.Background(), rec); serr != nil {
					fmt.Fprintf(os.Stderr, "warn: saving session failed: %v\n", serr)
				}
				if cfg.Storage.BleveBase != "" {
					if idx, ierr := store.OpenReportIndex(cfg.Storage.BleveBase); ierr == nil {
						_ = idx.Index(rec)
						_ = idx.Close()
					}
				}
			}

			if out := session.CitedOutput(); out != "" {
				fmt.Println(out)
			} else if session.Err() != "" {
				return fmt.Errorf("research failed: %s", session.Err())
			}
			if failed := session.FailedTasks(); len(failed) > 0 {
				fmt.Fprintf(os.Stderr, "\n%d task(s) did not finish cleanly:\n", len(failed))
				for _, t := range failed {
					fmt.Fprintf(os.Stderr, "  - %s\n", truncate(t, 100))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./deepscout.yaml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream token deltas and tool calls")
	cmd.Flags().BoolVar(&save, "save", true, "persist the session to the configured store")
	return cmd
}

// renderEvents writes a progress log to stderr as the run unfolds.
func renderEvents(sub *events.Subscription, verbose bool) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case events.QueryClassified:
			fmt.Fprintf(os.Stderr, "* classified as %v\n", ev.Payload["query_type"])
		case events.PlanCreated:
			fmt.Fprintf(os.Stderr, "* round %v: dispatching %v subagent(s)\n", ev.Payload["round"], ev.Payload["tasks"])
		case events.SubagentSpawned:
			fmt.Fprintf(os.Stderr, "  > %s started: %s\n", ev.SubagentID, truncate(fmt.Sprint(ev.Payload["task"]), 80))
		case events.SubagentFinished:
			fmt.Fprintf(os.Stderr, "  < %s finished [%v] (%v tool calls, %v sources)\n",
				ev.SubagentID, ev.Payload["status"], ev.Payload["tool_calls"], ev.Payload["sources"])
		case events.ToolCallStarted:
			if verbose {
				fmt.Fprintf(os.Stderr, "    %s -> %v\n", ev.SubagentID, ev.Payload["tool"])
			}
		case events.RoundComplete:
			fmt.Fprintf(os.Stderr, "* round %v complete\n", ev.Payload["round"])
		case events.SynthesisComplete:
			fmt.Fprintln(os.Stderr, "* synthesis complete")
		case events.CitationDegraded:
			fmt.Fprintln(os.Stderr, "* citations degraded; shipping uncited draft")
		case events.Error:
			fmt.Fprintf(os.Stderr, "! %v\n", ev.Payload["error"])
		case events.TokenDelta:
			if verbose {
				fmt.Fprint(os.Stderr, ev.Payload["delta"])
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
