package sftppool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// applySSHConfig resolves c.Host through c.SSHConfigFile. Explicit settings
// win over the file; a missing file leaves c unchanged.
func applySSHConfig(c Config) (Config, error) {
	if c.SSHConfigFile == "" {
		return c, nil
	}

	f, err := os.Open(ExpandPath(c.SSHConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("%w: ssh config: %v", ErrInvalidConfig, err)
	}
	defer f.Close()

	sc, err := ssh_config.Decode(f)
	if err != nil {
		return c, fmt.Errorf("%w: ssh config %s: %v", ErrInvalidConfig, c.SSHConfigFile, err)
	}

	alias := c.Host
	if hostname, _ := sc.Get(alias, "HostName"); hostname != "" {
		c.Host = hostname
	}
	if c.Port == 0 {
		if port, _ := sc.Get(alias, "Port"); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return c, fmt.Errorf("%w: ssh config port %q for %s", ErrInvalidConfig, port, alias)
			}
			c.Port = n
		}
	}
	if c.Username == "" {
		if user, _ := sc.Get(alias, "User"); user != "" {
			c.Username = user
		}
	}
	if c.PrivateKeyFile == "" && c.PrivateKey == "" && c.PrivateKeyURI == "" && c.KeyPair == nil {
		if identity, _ := sc.Get(alias, "IdentityFile"); identity != "" {
			c.PrivateKeyFile = ExpandPath(identity)
		}
	}
	return c, nil
}
