package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/service"
	"github.com/oss-compass/openchecker/internal/store"

	"github.com/spf13/cobra"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "serve the HTTP API accepting job submissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("openchecker",
			slog.String("cmd", "intake"),
			slog.Int("pid", os.Getpid()),
		))
		in, err := service.NewIntake(ctx, config)
		if err != nil {
			return err
		}
		return in.Run(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "consume jobs from the broker and run their checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("openchecker",
			slog.String("cmd", "worker"),
			slog.Int("pid", os.Getpid()),
		))
		w, err := service.NewWorker(ctx, config)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				slog.WarnContext(ctx, "closing worker", "error", err)
			}
		}()
		return w.Run(ctx)
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <task-id>...",
	Short: "print the ledger entries of tasks processed by this worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.Worker.StateDB == "" {
			return errors.New("worker.state_db is not configured")
		}
		db, err := store.InitDB(cmd.Context(), config.Worker.StateDB)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.Close()
		}()
		var errs []error
		for _, id := range args {
			row, err := store.Get(cmd.Context(), db, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", id, err))
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), row.String())
		}
		return errors.Join(errs...)
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "read a password from stdin and print its bcrypt hash for the users section",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc := bufio.NewScanner(cmd.InOrStdin())
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return errors.New("no password on stdin")
		}
		password := strings.TrimRight(sc.Text(), "\r")
		if password == "" {
			return errors.New("password is empty")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}
