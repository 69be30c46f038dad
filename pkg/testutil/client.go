package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/stretchr/testify/require"
)

// ClientDefaults are the options ConnectClient applies before the caller's:
// DefaultLogger, a 2s request timeout and unlimited reconnects with short
// delays so tests that drop connections recover quickly.
func ClientDefaults() []client.Option {
	return []client.Option{
		client.WithLogger(DefaultLogger),
		client.WithDefaultRequestTimeout(2 * time.Second),
		client.WithAutoReconnect(0, 20*time.Millisecond, 200*time.Millisecond),
	}
}

// ConnectClient dials url and fails the test unless the client reaches the
// connected state. Later options override ClientDefaults. The client is
// closed without unsubscribing when the test ends.
func ConnectClient(t testing.TB, url string, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := client.Connect(url, append(ClientDefaults(), opts...)...)
	require.NoError(t, err, "connect to %s", url)
	t.Cleanup(func() { _ = cli.Close(context.Background(), false) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.WaitForState(ctx, client.StateConnected), "client never connected to %s", url)
	return cli
}
