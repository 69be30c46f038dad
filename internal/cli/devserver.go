package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/dcrftest"
	"github.com/spf13/cobra"
)

var devServerCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory DCRF server for local development",
	Long: wrapString(fmt.Sprintf(`Serves the streams %q (pk field "pk") and %q (pk field "id")
with list, create, retrieve, update, patch, delete and instance
subscriptions. Data lives in memory only.`, dcrftest.StreamThings, dcrftest.StreamThingsWithID)),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bindCommandFlags(cmd); err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		listen, _ := cmd.Flags().GetString("listen")
		path, _ := cmd.Flags().GetString("path")

		dev := dcrftest.NewUnstarted(dcrftest.WithLogger(logger))
		mux := http.NewServeMux()
		mux.Handle(path, dev.UpgradeHandler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })

		httpServer := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- httpServer.ListenAndServe()
		}()
		logger.Info("Dev server starting", "address", listen+path)
		cmd.Printf("dev server on %s%s\n", listen, path)

		select {
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
			logger.Info("Shutting down dev server")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dev.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	devServerCmd.Flags().String("listen", ":8000", wrapString("address to listen on"))
	devServerCmd.Flags().String("path", "/ws/", wrapString("path of the websocket endpoint"))
}
