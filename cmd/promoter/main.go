package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rdo-infra/ci-config/pkg/results"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logrus.SetOutput(os.Stderr)
	log := logrus.NewEntry(logrus.StandardLogger())

	err := newCommand(ctx, log).ExecuteContext(ctx)
	code := exitCode(ctx, err)
	switch {
	case ctx.Err() != nil:
		log.Warn("Interrupted by the user")
	case err != nil:
		log.WithError(err).WithField("reason", results.FullReason(err)).Error("Promoter failed")
	}
	cancel()
	os.Exit(code)
}

// exitCode is 2 when the operator can fix the failure, 1 otherwise
func exitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return 2
	}
	if err == nil {
		return 0
	}
	if results.IsUserFacing(err) {
		return 2
	}
	return 1
}
