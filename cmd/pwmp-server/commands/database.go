package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// eraseConfirmKey must be typed verbatim before any data is destroyed.
const eraseConfirmKey = "yes, do it!"

// databaseCmd groups the database administration subcommands.
func databaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Database management",
	}

	cmd.AddCommand(databaseTestCmd())
	cmd.AddCommand(databaseInitCmd())
	cmd.AddCommand(databaseEraseCmd())

	return cmd
}

func databaseTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the database",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			backend, err := openBackend()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer closeBackend(backend)

			logger.Info("connection successful")
			return nil
		},
	}
}

func databaseInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := openBackend()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer closeBackend(backend)

			logger.Info("executing migrations")
			if err := backend.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("execute migrations: %w", err)
			}

			logger.Info("migrations executed successfully")
			return nil
		},
	}
}

func databaseEraseCmd() *cobra.Command {
	var (
		contentOnly bool
		keepDevices bool
	)

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Completely ERASE ALL DATA from the database (*UNRECOVERABLE*)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := openBackend()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer closeBackend(backend)

			logger.Info("connected to the database")
			if !confirmErase(cfg.Database.Name, cfg.Database.ShortIdentifier()) {
				logger.Info("operation cancelled, nothing was done")
				return fmt.Errorf("erase not confirmed")
			}

			if err := backend.Erase(cmd.Context(), contentOnly, keepDevices); err != nil {
				return fmt.Errorf("erase database: %w", err)
			}

			logger.Info("success")
			return nil
		},
	}

	cmd.Flags().BoolVar(&contentOnly, "content-only", false,
		"only remove rows, not tables")
	cmd.Flags().BoolVar(&keepDevices, "keep-devices", false,
		"preserve the device registry")

	return cmd
}

// confirmErase makes the operator type the confirmation key.
func confirmErase(database, host string) bool {
	fmt.Printf("\nWARNING: THIS ACTION WILL COMPLETELY ERASE ALL DATA AND (IF SPECIFIED) TABLES FROM THE DATABASE %q ON %q!!!\n", database, host)
	fmt.Printf("\nTYPE %q TO CONFIRM THIS OPERATION!\n", eraseConfirmKey)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimRight(line, "\r\n") == eraseConfirmKey
}
