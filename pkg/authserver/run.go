package authserver

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Main is the entry point of a generated server. It returns the process
// exit code.
func Main(endpointsJSON, policyJSON string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "authserver")
	if err := Run(ctx, endpointsJSON, policyJSON, WithLogger(log)); err != nil {
		log.WithError(err).Error("server stopped")
		return 1
	}
	return 0
}

// Run parses the embedded documents, resolves configuration and serves until
// ctx is cancelled. Configuration errors, including *StartupSecurityError,
// are returned before any socket is opened.
func Run(ctx context.Context, endpointsJSON, policyJSON string, opts ...Option) error {
	o := options{log: logrus.WithField("component", "authserver")}
	for _, opt := range opts {
		opt(&o)
	}

	policy, err := ParsePolicy([]byte(policyJSON))
	if err != nil {
		return err
	}
	endpoints, err := ParseEndpoints([]byte(endpointsJSON))
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(policy, o.log)
	if err != nil {
		return err
	}
	srv, err := New(policy, endpoints, cfg, opts...)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
