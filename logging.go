package sftppool

import (
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// sessionLogger returns the entry every session-level log line for cfg starts from.
func sessionLogger(cfg Config) *logrus.Entry {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
		"user": cfg.Username,
	})
}

// parseLogLevel maps a configured level name onto logrus, falling back to info.
func parseLogLevel(name string) logrus.Level {
	if name == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(strings.ToLower(name))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// sanitizeRemoteText strips control characters from server supplied text so
// a banner cannot rewrite the terminal or forge log lines.
func sanitizeRemoteText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
