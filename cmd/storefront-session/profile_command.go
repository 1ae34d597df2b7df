package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/database"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/logging"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/profiles"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newProfileCommand manages the local profiles table used by the database profile source.
func newProfileCommand() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage locally stored authoritative profiles",
	}

	var (
		subjectID   string
		email       string
		displayName string
		role        string
		status      string
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a profile record",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedRole := identity.ParseRole(role)
			if role != "" && parsedRole == "" {
				return fmt.Errorf("unknown role %q", role)
			}
			parsedStatus := identity.ParseStatus(status)
			if status != "" && parsedStatus == "" {
				return fmt.Errorf("unknown status %q", status)
			}

			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			resolver, err := profiles.NewStoreResolver(profiles.StoreResolverConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			if err := resolver.Upsert(cmd.Context(), identity.Profile{
				SubjectID:   subjectID,
				Email:       email,
				DisplayName: displayName,
				Role:        parsedRole,
				Status:      parsedStatus,
			}); err != nil {
				return err
			}
			cmd.Printf("profile %s stored\n", subjectID)
			return nil
		},
	}
	setCmd.Flags().StringVar(&subjectID, "subject", "", "Subject id (required)")
	setCmd.Flags().StringVar(&email, "email", "", "Email address")
	setCmd.Flags().StringVar(&displayName, "name", "", "Display name")
	setCmd.Flags().StringVar(&role, "role", "", "Role (customer, creator, admin); empty leaves it unrecorded")
	setCmd.Flags().StringVar(&status, "status", "", "Status (active, pending, suspended); empty leaves it unrecorded")
	_ = setCmd.MarkFlagRequired("subject")

	profileCmd.AddCommand(setCmd)
	return profileCmd
}
