package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// minKeyLength rejects obviously truncated keys before asking the API.
const minKeyLength = 3

// createLoginCommand creates the login subcommand
func createLoginCommand(c *command, loginFlags *LoginFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify and store an API key",
		Long: `Verify an API key against the service and store it in the global config.
Without --key the key is read from stdin.

Examples:
  asrtd login --key=<api key>
  echo "<api key>" | asrtd login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context(), LoginFlags{Key: loginFlags.Key})
		},
	}
	cmd.Flags().StringVar(&loginFlags.Key, "key", "", "API key (read from stdin when empty)")
	return cmd
}

// createLogoutCommand creates the logout subcommand
func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout()
		},
	}
}

// Login verifies the key and saves it
func (c *command) Login(ctx context.Context, f LoginFlags) error {
	key := strings.TrimSpace(f.Key)
	if key == "" {
		line, err := bufio.NewReader(c.env.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read key from stdin: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if len(key) < minKeyLength {
		return fmt.Errorf("token too short: %d characters", len(key))
	}

	c.out.Note("Verifying token...")
	if !c.api.CheckKey(ctx, key) {
		c.out.Error("Authentication token is invalid, please try again.")
		return errors.New("could not verify token")
	}
	if err := c.global.SetAPIKey(key); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	c.out.Success("Token verified and saved")
	c.logger.Debug("api key stored", "path", c.global.Path())
	return nil
}

// Logout clears the stored key
func (c *command) Logout() error {
	if err := c.global.ClearAPIKey(); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	c.out.Success("Removed authentication token")
	return nil
}
