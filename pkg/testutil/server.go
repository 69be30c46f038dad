package testutil

import (
	"testing"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/lightforgemedia/go-dcrf/pkg/dcrftest"
)

// Server is a dcrftest server bound to a test. Its clients inherit the
// test's lifetime.
type Server struct {
	*dcrftest.Server
	t testing.TB
}

// StartServer starts a dcrftest server logging to DefaultLogger. Options
// after the logger may override it. It is closed when the test ends.
func StartServer(t testing.TB, opts ...dcrftest.Option) *Server {
	t.Helper()
	srv := dcrftest.New(t, append([]dcrftest.Option{dcrftest.WithLogger(DefaultLogger)}, opts...)...)
	return &Server{Server: srv, t: t}
}

// Connect returns a connected client for the server. See ConnectClient.
func (s *Server) Connect(opts ...client.Option) *client.Client {
	s.t.Helper()
	return ConnectClient(s.t, s.URL, opts...)
}
