package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/darshan-rambhia/sftppool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Global flags
var (
	configFlag   string
	endpointFlag string
	parallelFlag int
	debugFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "sftppush",
	Short: "Push and fetch files over pooled SFTP sessions",
	Long: `sftppush moves files to and from an SFTP server.

The endpoint comes from the "endpoint" section of the config file, from
--endpoint, or both; URI settings win. Named pool configurations under
"pools" can be referenced from endpoint.pool_config.

Example config (~/.sftppush.yaml):

  pools:
    shared:
      max_total: 4
      test_on_borrow: true
  endpoint:
    host: files.example.com
    username: deploy
    private_key_file: ~/.ssh/id_ed25519
    use_connection_pool: true
    pool_config: shared
    directory: /upload`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugFlag {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default is $HOME/.sftppush.yaml)")
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "endpoint URI, e.g. sftp://user@host:22/dir?use_connection_pool=true")
	rootCmd.PersistentFlags().IntVar(&parallelFlag, "parallel", 4, "concurrent transfers")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newViper reads the config file. A missing default config file is not an
// error; a missing explicit one is.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("SFTPPUSH")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".sftppush")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// loadEndpointConfig merges the config file endpoint with the URI and
// resolves shared pool references.
func loadEndpointConfig(v *viper.Viper, endpointURI string) (sftppool.EndpointConfig, error) {
	shared := make(map[string]sftppool.PoolConfig)
	for name := range v.GetStringMap("pools") {
		pc, err := sftppool.DecodePoolConfig(v.GetStringMap("pools." + name))
		if err != nil {
			return sftppool.EndpointConfig{}, fmt.Errorf("pool %q: %w", name, err)
		}
		shared[name] = pc
	}

	params := make(map[string]any)
	for k, val := range v.GetStringMap("endpoint") {
		params[k] = val
	}

	if endpointURI != "" {
		uriParams, err := sftppool.ParseEndpointURI(endpointURI)
		if err != nil {
			return sftppool.EndpointConfig{}, err
		}
		for k, val := range uriParams {
			params[k] = val
		}
	}

	if pw := v.GetString("password"); pw != "" {
		params["password"] = pw
	}

	if len(params) == 0 {
		return sftppool.EndpointConfig{}, fmt.Errorf("no endpoint configured: use --endpoint or an endpoint section in the config file")
	}

	return sftppool.ParseEndpointConfig(params, shared)
}

func openEndpoint() (*sftppool.Endpoint, sftppool.Operations, error) {
	v, err := newViper(configFlag)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadEndpointConfig(v, endpointFlag)
	if err != nil {
		return nil, nil, err
	}

	endpoint, err := sftppool.NewEndpoint(cfg)
	if err != nil {
		return nil, nil, err
	}
	ops, err := endpoint.Operations()
	if err != nil {
		_ = endpoint.Close()
		return nil, nil, err
	}
	return endpoint, ops, nil
}
