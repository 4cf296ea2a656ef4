/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"

	"github.com/eventdesk/apiserver/config"
	"github.com/eventdesk/apiserver/internal/db"
	"github.com/eventdesk/apiserver/internal/services"
	"github.com/eventdesk/apiserver/internal/store"
	"github.com/spf13/cobra"
)

// usersCmd groups account administration commands.
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var usersPromoteCmd = &cobra.Command{
	Use:   "promote <username>",
	Short: "Grant the admin role to a user",
	Long: `Grants the admin role to an existing user. The user must log in
again for the new role to appear in their token.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger := config.NewLogger(cfg.Logging)
		if cfg.Database.Driver == "memory" {
			return errors.New("users promote requires DB_DRIVER=postgres")
		}

		dbConn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		user, err := services.NewUserService(store.NewUserRepository(dbConn)).Promote(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		logger.Info().Str("user_id", user.ID.String()).Str("username", user.Username).Msg("user promoted to admin")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersPromoteCmd)
}
