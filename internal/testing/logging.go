package kctesting

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// SetupLogging points controller-runtime and klog at one zap logger and
// returns it. Output is discarded unless DEBUG is set.
func SetupLogging() logr.Logger {
	logger := zap.New(zap.WriteTo(io.Discard))
	if os.Getenv("DEBUG") != "" {
		logger = zap.New(zap.UseDevMode(true))
	}
	ctrl.SetLogger(logger)
	klog.SetLogger(logger)
	return logger
}
