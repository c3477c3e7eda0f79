package main

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/client"
)

var errReply = errors.New("server returned an error")

type options struct {
	addr     string
	password string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "taskctl talks to a taskd scheduler",
		Long: `taskctl sends one request per connection to a taskd daemon and prints the reply.

Examples:
  taskctl --password admin123 add 09:30 /usr/local/bin/backup.sh
  taskctl --password admin123 list
  taskctl --password admin123 modify 3 10:00 -
  taskctl raw "STATUS"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "taskd address")
	root.PersistentFlags().StringVarP(&opts.password, "password", "p", "", "send AUTH with this password first")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-connection timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "auth <password>",
			Short: "Authorize this host",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				o := *opts
				o.password = ""
				return send(cmd, &o, "AUTH "+args[0])
			},
		},
		&cobra.Command{
			Use:   "add <HH:MM> <command...>",
			Short: "Schedule a command",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, opts, "ADD "+args[0]+" "+strings.Join(args[1:], " "))
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List tasks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return send(cmd, opts, "LIST")
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show task counts by status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return send(cmd, opts, "STATUS")
			},
		},
		idCommand(opts, "info", "Show one task", "INFO"),
		idCommand(opts, "delete", "Delete a task", "DELETE"),
		&cobra.Command{
			Use:   "modify <id> <HH:MM|-> [command...|-]",
			Short: "Change the time and/or command of a pending task",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := checkID(args[0]); err != nil {
					return err
				}
				line := "MODIFY " + args[0] + " " + args[1]
				if len(args) > 2 {
					line += " " + strings.Join(args[2:], " ")
				}
				return send(cmd, opts, line)
			},
		},
		&cobra.Command{
			Use:   "raw <line...>",
			Short: "Send a raw protocol line",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, opts, strings.Join(args, " "))
			},
		},
	)
	// "add 09:00 ls -la" must not parse -la as a flag
	for _, c := range root.Commands() {
		switch c.Name() {
		case "add", "modify", "raw":
			c.Flags().SetInterspersed(false)
		}
	}
	return root
}

func idCommand(opts *options, use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkID(args[0]); err != nil {
				return err
			}
			return send(cmd, opts, verb+" "+args[0])
		},
	}
}

func checkID(raw string) error {
	if id, err := strconv.Atoi(raw); err != nil || id <= 0 {
		return errors.New("id must be a positive integer")
	}
	return nil
}

func send(cmd *cobra.Command, opts *options, line string) error {
	c := &client.Client{Addr: opts.addr, Password: opts.password, Timeout: opts.timeout}
	reply, err := c.Do(cmd.Context(), line)
	if reply != "" {
		cmd.Print(reply)
	}
	if err != nil {
		return err
	}
	if client.IsError(reply) {
		return errReply
	}
	return nil
}
