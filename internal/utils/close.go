package utils

import (
	"io"

	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// MustClose closes c and logs any error under name.
// Use for defer statements where we want to track close errors.
func MustClose(c io.Closer, log logger.Logger, name string) {
	if err := c.Close(); err != nil {
		log.Warn("failed to close", logger.String("resource", name), logger.Error(err))
		return
	}
	log.Debug("closed cleanly", logger.String("resource", name))
}
