package cmd

import (
	"log/slog"

	"github.com/dukex/flowrun/pkg/taskrunner"
)

// NewTaskRunner returns the HTTP task runner for url, or the echo runner when
// no url is configured.
func NewTaskRunner(logger *slog.Logger, url, token string) taskrunner.TaskRunner {
	if url == "" {
		logger.Warn("No task runner configured, blocks echo their input")

		return taskrunner.Echo()
	}

	var opts []taskrunner.HTTPOption
	if token != "" {
		opts = append(opts, taskrunner.WithToken(token))
	}

	return taskrunner.NewHTTPRunner(logger, url, opts...)
}
