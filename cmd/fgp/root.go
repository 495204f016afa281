package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/lifecycle"
)

// cli carries settings resolved from flags, FGP_* environment variables and
// an optional .env file, in that order of precedence.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:          "fgp",
		Short:        "Talk to fgp daemons over their unix sockets",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.Duration("timeout", ipc.DefaultClientTimeout, "Per-call timeout (env FGP_TIMEOUT)")
	flags.String("home", "", "Services directory (env FGP_HOME, default "+lifecycle.DefaultServicesDir+")")
	flags.String("socket", "", "Explicit socket path; overrides the service's conventional socket")
	flags.String("env-file", ".env", "Optional dotenv file to load before reading FGP_* variables")

	cmd.AddCommand(
		c.callCmd(),
		c.healthCmd(),
		c.methodsCmd(),
		c.stopCmd(),
		c.startCmd(),
		c.statusCmd(),
		c.initCmd(),
		c.pathsCmd(),
	)
	return cmd
}

func (c *cli) load(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c.v.SetEnvPrefix("FGP")
	c.v.AutomaticEnv()
	for _, name := range []string{"timeout", "home", "socket"} {
		if err := c.v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	// Lifecycle helpers read FGP_HOME directly.
	if home := c.v.GetString("home"); home != "" {
		if err := os.Setenv(lifecycle.HomeEnv, home); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) timeout() time.Duration {
	if d := c.v.GetDuration("timeout"); d > 0 {
		return d
	}
	return ipc.DefaultClientTimeout
}

// client targets --socket when given, otherwise the service's conventional
// socket, auto-starting the daemon only when asked to.
func (c *cli) client(service string, autoStart bool) (*ipc.Client, error) {
	opts := []ipc.ClientOption{ipc.WithTimeout(c.timeout())}
	if socket := c.v.GetString("socket"); socket != "" {
		if autoStart {
			opts = append(opts, ipc.WithAutoStart(service, nil))
		}
		return ipc.NewClient(socket, opts...)
	}
	if !autoStart {
		opts = append(opts, ipc.WithoutAutoStart())
	}
	return ipc.NewServiceClient(service, opts...)
}
