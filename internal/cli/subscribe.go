package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [stream] [pk]",
	Short: "Print the events of one instance until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, s *session) error {
		count, _ := cmd.Flags().GetInt("count")
		withCreate, _ := cmd.Flags().GetBool("create")
		withDelete, _ := cmd.Flags().GetBool("delete")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		out := newEventWriter(cmd.OutOrStdout(), count, stop)
		stream := args[0]
		sub, err := s.cli.Subscribe(stream, parsePK(args[1]), func(data any, action string) {
			out.write(event{Stream: stream, Action: action, Data: data})
		}, client.WithCreateEvents(withCreate), client.WithDeleteEvents(withDelete))
		if err != nil {
			return err
		}
		if _, err := sub.Ack(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", stream, err)
		}
		s.logger.Info("Subscribed", "stream", stream, "requestID", sub.RequestID())

		<-ctx.Done()
		return nil
	}),
}

func init() {
	subscribeCmd.Flags().Int("count", 0, wrapString("exit after this many events, 0 runs until interrupted"))
	subscribeCmd.Flags().Bool("create", false, wrapString("also print create events"))
	subscribeCmd.Flags().Bool("delete", true, wrapString("also print delete events"))
}

// event is one printed line.
type event struct {
	Name   string `json:"name,omitempty"`
	Stream string `json:"stream,omitempty"`
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// eventWriter serializes events from the transport goroutine as JSON lines
// and calls done once limit events were written.
type eventWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	limit int
	seen  int
	done  func()
}

func newEventWriter(w io.Writer, limit int, done func()) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w), limit: limit, done: done}
}

func (w *eventWriter) write(ev event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit > 0 && w.seen >= w.limit {
		return
	}
	_ = w.enc.Encode(ev)
	w.seen++
	if w.limit > 0 && w.seen == w.limit {
		w.done()
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
