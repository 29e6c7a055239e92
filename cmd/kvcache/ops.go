package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kvcache/internal/config"
)

var errNotFound = errors.New("key not found")

// withBacking opens the configured store for a single command.
func (a *app) withBacking(fn func(b *backing) error) error {
	b, err := a.openBacking()
	if err != nil {
		return err
	}
	defer func() { _ = b.close() }()
	return fn(b)
}

func newGetCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBacking(func(b *backing) error {
				start := time.Now()
				value, ok, err := b.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if verbose {
					fmt.Fprintf(out, "key:     %s\n", args[0])
					fmt.Fprintf(out, "stored:  %s (%s)\n", b.hasher.Hash(args[0]), b.hasher.Algorithm())
					fmt.Fprintf(out, "backend: %s %s/%s\n", a.cfg.Backend, a.cfg.StoreName, a.cfg.TableName)
					fmt.Fprintf(out, "lookup:  %s\n", time.Since(start).Round(time.Microsecond))
				}
				if !ok {
					return fmt.Errorf("%w: %s", errNotFound, args[0])
				}
				text, err := formatValue(value)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show where the value was looked up")
	return cmd
}

func newSetCmd(a *app) *cobra.Command {
	var (
		ttl    time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any = args[1]
			if asJSON {
				if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
					return fmt.Errorf("invalid JSON value: %w", err)
				}
			}
			return a.withBacking(func(b *backing) error {
				if cmd.Flags().Changed("ttl") {
					return b.SetWithTTL(cmd.Context(), args[0], value, ttl)
				}
				return b.Set(cmd.Context(), args[0], value)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the value after this long")
	cmd.Flags().BoolVar(&asJSON, "json", false, "parse VALUE as JSON")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"del", "rm"},
		Short:   "Remove KEY",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBacking(func(b *backing) error {
				return b.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every expired entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBacking(func(b *backing) error {
				removed, err := b.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "removed %s expired %s\n", humanize.Comma(int64(removed)), plural(removed, "entry", "entries"))
				if a.cfg.Backend == config.BackendSQLite {
					if fi, err := os.Stat(a.cfg.StoreName); err == nil {
						fmt.Fprintf(out, "%s is %s\n", a.cfg.StoreName, humanize.Bytes(uint64(fi.Size())))
					}
				}
				return nil
			})
		},
	}
}

// formatValue prints strings as they are and anything else as JSON.
func formatValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
