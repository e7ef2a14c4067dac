package sftppool

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidateMode accepts "" or three to four octal digits, e.g. "644" or "0750".
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	if n := len(mode); n < 3 || n > 4 || strings.Trim(mode, "01234567") != "" {
		return fmt.Errorf("invalid mode %q: must be 3-4 octal digits", mode)
	}
	return nil
}

func parseMode(mode string) (os.FileMode, error) {
	if err := ValidateMode(mode); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", mode, err)
	}
	return os.FileMode(v), nil
}

// ExpandPath replaces a leading "~/" with the local home directory. Other
// paths, including "~user/...", come back unchanged.
func ExpandPath(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// resolveRemote joins a relative remote name onto dir. Remote paths always
// use forward slashes.
func resolveRemote(dir, name string) string {
	switch {
	case name == "" && dir == "":
		return "."
	case name == "":
		return dir
	case path.IsAbs(name), dir == "":
		return path.Clean(name)
	}
	return path.Join(dir, name)
}

// needsParent reports whether dir is a real directory worth creating.
func needsParent(dir string) bool {
	switch dir {
	case "", "/", ".":
		return false
	}
	return true
}
