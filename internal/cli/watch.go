package cli

import (
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/manifest"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [manifest]",
	Short: "Keep the subscriptions of a YAML manifest in sync with the file",
	Long: wrapString(`Subscribes to every entry of the manifest and prints their events.
Whenever the file changes the subscriptions are reconciled: removed
entries are unsubscribed, new ones subscribed and changed ones replaced.
A manifest that fails to load leaves the current subscriptions alone.`),
	Args: cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
		count, _ := cmd.Flags().GetInt("count")
		debounce, _ := cmd.Flags().GetDuration("debounce")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		out := newEventWriter(cmd.OutOrStdout(), count, stop)
		rec := manifest.NewReconciler(s.cli, func(name string, data any, action string) {
			out.write(event{Name: name, Action: action, Data: data})
		}, manifest.WithLogger(s.logger))
		defer rec.Clear()

		w := manifest.NewWatcher(args[0], rec,
			manifest.WithWatchLogger(s.logger),
			manifest.WithWatchDebounce(debounce),
			manifest.WithOnApply(func(res manifest.Result, err error) {
				if err != nil {
					s.logger.Warn("Manifest not applied", "error", err)
					return
				}
				s.logger.Info("Manifest applied",
					"added", res.Added, "removed", res.Removed, "kept", res.Kept, "failed", len(res.Failed))
				for name, ferr := range res.Failed {
					s.logger.Warn("Subscription failed", "name", name, "error", ferr)
				}
			}),
		)
		if _, err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()

		<-ctx.Done()
		return nil
	}),
}

func init() {
	watchCmd.Flags().Int("count", 0, wrapString("exit after this many events, 0 runs until interrupted"))
	watchCmd.Flags().Duration("debounce", 200*time.Millisecond, wrapString("wait this long after a change before reloading"))
}
