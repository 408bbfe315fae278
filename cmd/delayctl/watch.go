package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow daemon events",
		GroupID: gAdvanced,
		Long: `Follow session state changes, applied settings and finished sweeps as they happen.

Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch, err := apiClient.SubscribeEvents(ctx)
			if err != nil {
				return fmt.Errorf("failed to watch events: %v", err)
			}

			for ev := range ch {
				if raw {
					cmd.Printf("%s %s\n", ev.Name, ev.Data)
					continue
				}
				cmd.Println(describeEvent(ev))
			}

			if ctx.Err() == nil {
				return fmt.Errorf("daemon closed the event stream")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print event names and JSON payloads")

	return cmd
}

func describeEvent(ev events.Event) string {
	switch ev.Name {
	case events.SessionState:
		p, err := events.DecodeAs[events.SessionStateEvent](ev)
		if err != nil {
			break
		}
		if p.From == "" {
			return fmt.Sprintf("%s  session %s", eventTime(p.Ts), bold("%s", p.To))
		}
		return fmt.Sprintf("%s  session %s -> %s", eventTime(p.Ts), p.From, bold("%s", p.To))
	case events.SettingApplied:
		p, err := events.DecodeAs[events.SettingAppliedEvent](ev)
		if err != nil {
			break
		}
		s := fmt.Sprintf("%s  chip %s", eventTime(p.Ts), p.Chip)
		if p.Setting != nil {
			s += fmt.Sprintf("  %s", formatDelay(p.Setting.Target))
		}
		if p.D != nil {
			s += fmt.Sprintf("  D=%d", *p.D)
		}
		if p.FTUNE != nil {
			s += fmt.Sprintf("  FTUNE=%.3f V", *p.FTUNE)
		}
		return s
	case events.SweepFinished:
		p, err := events.DecodeAs[events.SweepFinishedEvent](ev)
		if err != nil {
			break
		}
		kind := "sweep"
		if p.Scheduled {
			kind = "scheduled sweep"
		}
		s := fmt.Sprintf("%s  %s %s on chip %s: %d/%d steps", eventTime(p.Ts), kind, p.SweepID, p.Chip, p.Steps, p.Targets)
		if p.Error != "" {
			s += ", stopped: " + p.Error
		}
		return s
	}
	return fmt.Sprintf("%s %s", ev.Name, ev.Data)
}

func eventTime(ts int64) string {
	return time.Unix(ts, 0).Local().Format(time.TimeOnly)
}
