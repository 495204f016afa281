package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rexliu/fgp/pkg/config"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/lifecycle"
)

const configFile = "config.toml"

func (c *cli) callCmd() *cobra.Command {
	var autoStart, raw bool
	cmd := &cobra.Command{
		Use:   "call <service> <method> [params-json]",
		Short: "Invoke a method and print its result",
		Long: `Invoke a method on a daemon and print the result as indented JSON.

The method may be bare ("list") or namespaced ("gmail.list"). Params must be
a JSON value; objects are sent as-is and anything else is wrapped as
{"value": ...}.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params any
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
					return fmt.Errorf("params must be JSON: %w", err)
				}
			}
			client, err := c.client(args[0], autoStart)
			if err != nil {
				return err
			}
			resp, err := client.Call(cmd.Context(), args[1], params)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp, raw)
		},
	}
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Start the daemon if it is not running")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the full response envelope")
	return cmd
}

func (c *cli) builtinCmd(use, short, method string) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client(args[0], false)
			if err != nil {
				return err
			}
			resp, err := client.Call(cmd.Context(), method, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp, raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the full response envelope")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	return c.builtinCmd("health", "Show daemon health", ipc.MethodHealth)
}

func (c *cli) methodsCmd() *cobra.Command {
	return c.builtinCmd("methods", "List the methods a daemon exposes", ipc.MethodMethods)
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Ask a daemon to shut down",
		Long:  "Send the stop request; if the socket is unreachable, signal the recorded PID instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client(args[0], false)
			if err != nil {
				return err
			}
			resp, err := client.Stop(cmd.Context())
			if err != nil {
				if c.v.GetString("socket") != "" {
					return err
				}
				if sigErr := lifecycle.StopService(args[0]); sigErr != nil {
					return errors.Join(err, sigErr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: sent SIGTERM\n", args[0])
				return nil
			}
			return printResponse(cmd, resp, false)
		},
	}
}

func (c *cli) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "Start a daemon and wait for its socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout())
			defer cancel()
			if err := lifecycle.DefaultLauncher.Start(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: running (%s)\n", args[0], lifecycle.ServiceSocketPath(args[0]))
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [service...]",
		Short: "Show which services are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				var err error
				if names, err = installedServices(); err != nil {
					return err
				}
			}
			return writeStatus(cmd.OutOrStdout(), names)
		},
	}
}

func (c *cli) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <service>",
		Short: "Write a default config.toml for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := lifecycle.ValidateServiceName(name); err != nil {
				return fmt.Errorf("%w: %q", err, name)
			}
			path := filepath.Join(lifecycle.ServiceDir(name), configFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default(name)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func (c *cli) pathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths <service>",
		Short: "Print the files a service uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := lifecycle.ValidateServiceName(name); err != nil {
				return fmt.Errorf("%w: %q", err, name)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "dir\t%s\n", lifecycle.ServiceDir(name))
			fmt.Fprintf(tw, "socket\t%s\n", lifecycle.ServiceSocketPath(name))
			fmt.Fprintf(tw, "pid\t%s\n", lifecycle.ServicePIDPath(name))
			fmt.Fprintf(tw, "log\t%s\n", lifecycle.ServiceLogPath(name))
			fmt.Fprintf(tw, "config\t%s\n", filepath.Join(lifecycle.ServiceDir(name), configFile))
			return tw.Flush()
		},
	}
}

func installedServices() ([]string, error) {
	entries, err := os.ReadDir(lifecycle.ServicesDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && lifecycle.ValidateServiceName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func writeStatus(w io.Writer, names []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tPID")
	for _, name := range names {
		status := "stopped"
		if lifecycle.IsServiceRunning(name) {
			status = "running"
		}
		pid := "-"
		if p, err := lifecycle.ReadPIDFile(lifecycle.ServicePIDPath(name)); err == nil && lifecycle.IsProcessRunning(p) {
			pid = fmt.Sprint(p)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, status, pid)
	}
	return tw.Flush()
}

func printResponse(cmd *cobra.Command, resp *ipc.Response, raw bool) error {
	var v any = resp
	if !raw {
		if !resp.OK {
			out, _ := json.MarshalIndent(resp.Error, "", "  ")
			fmt.Fprintln(cmd.ErrOrStderr(), string(out))
			return resp.Err()
		}
		v = resp.Result
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if raw {
		return resp.Err()
	}
	return nil
}
