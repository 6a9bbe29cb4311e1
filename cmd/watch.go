package cmd

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/lanes/internal/daemon"
	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/output"
)

var (
	watchStop bool
	watchJSON bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch every live session and apply detected state changes",
	Long: `Run in the foreground, watching the checkout of every live session.
File, tool-output, checklist and git activity is classified and each session
is re-evaluated on activity and every detect.interval. State changes are
printed as they happen; --json prints every event as one JSON object per line.

Only one watcher runs at a time; 'lanes watch --stop' stops it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(cmd)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the running watcher")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON lines")
	rootCmd.AddCommand(watchCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "watch.pid"))
}

func watchRun(cmd *cobra.Command) error {
	pf := pidFile()
	if watchStop {
		if err := pf.Stop(); err != nil {
			return err
		}
		ui.Success("Stopped watcher")
		return nil
	}

	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := getEngine(true)
	if err != nil {
		return err
	}

	events := getBus().Stream(ctx, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range events {
			printEvent(e)
		}
	}()

	ui.Info("Watching sessions (Ctrl-C to stop)")
	err = eng.Run(ctx)
	stop()
	wg.Wait()
	return err
}

// eventJSON is the --json line format.
type eventJSON struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Activity  string            `json:"activity,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func toEventJSON(e event.Event) eventJSON {
	j := eventJSON{Type: e.EventType(), SessionID: e.SessionID(), Timestamp: e.Timestamp().UTC()}
	switch ev := e.(type) {
	case event.StateChangeEvent:
		j.From, j.To, j.Reason = string(ev.From), string(ev.To), string(ev.Reason)
	case event.ActivityEvent:
		j.Activity, j.Details = string(ev.Type), ev.Details
	}
	return j
}

func printEvent(e event.Event) {
	if watchJSON {
		_ = json.NewEncoder(ui.Out).Encode(toEventJSON(e))
		return
	}
	switch ev := e.(type) {
	case event.StateChangeEvent:
		ui.Info("%s %s -> %s (%s)", output.Cyan(output.ShortID(ev.SessionID())),
			ev.From, output.StateColor(ev.To), ev.Reason)
	case event.ActivityEvent:
		ui.VerboseLog("%s %s %s", output.ShortID(ev.SessionID()), ev.Type, ev.Details["path"])
	}
}
