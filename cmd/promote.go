/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/userdir/apiserver/config"
	"github.com/userdir/apiserver/internal/db"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

var promoteRole string

// promoteCmd sets a user's role from the command line. Registration always
// creates plain users, so the first super_admin has to be bootstrapped here.
var promoteCmd = &cobra.Command{
	Use:   "promote <username>",
	Short: "Set a user's role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := types.ParseRole(promoteRole)
		if err != nil {
			return err
		}

		cfg := config.LoadConfig()
		conn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer func() {
			_ = conn.Close()
		}()

		repo := store.NewUserRepository(conn)
		if err := repo.SetRole(cmd.Context(), args[0], role); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %q does not exist", args[0])
			}
			return err
		}

		fmt.Printf("%s is now %s\n", args[0], role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
	promoteCmd.Flags().StringVar(&promoteRole, "role", string(types.RoleAdmin), "role to assign (user, admin, super_admin)")
}
