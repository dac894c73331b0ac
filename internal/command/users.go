package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/getyourguide/extproc-basicauth/basicauth"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"sigs.k8s.io/yaml"
)

func hashPasswordCommand() *cobra.Command {
	var (
		cost  int
		user  string
		roles []string
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the users file",
		Long: "Reads a password from stdin or from an interactive prompt and prints its bcrypt hash.\n" +
			"With --user, prints a users file entry instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			passwd, err := prompt(cmd, "password: ", true)
			if err != nil {
				return err
			}
			if passwd == "" {
				return errors.New("empty password")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			if user == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(hash)) // nolint:errcheck
				return nil
			}

			entry := basicauth.User{Name: user, PasswordHash: string(hash), Roles: roles}
			// only print entries the users file loader accepts
			if _, err := basicauth.NewUsers(entry); err != nil {
				return err
			}
			out, err := yaml.Marshal(map[string]any{"users": map[string]basicauth.User{user: entry}})
			if err != nil {
				return fmt.Errorf("failed to marshal users entry: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	cmd.Flags().StringVar(&user, "user", "", "print a users file entry for this user")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles of the user, with --user")
	return cmd
}

func checkUsersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-users FILE",
		Short: "Validate a users file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := basicauth.LoadUsers(args[0])
			if err != nil {
				return err
			}
			var plaintext []string
			for _, name := range users.Names() {
				if u, _ := users.Lookup(name); u.PasswordHash == "" {
					plaintext = append(plaintext, name)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d users: %s\n", args[0], users.Len(), strings.Join(users.Names(), ", ")) // nolint:errcheck
			if len(plaintext) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: plaintext passwords for %s\n", strings.Join(plaintext, ", ")) // nolint:errcheck
			}
			return nil
		},
	}
}
