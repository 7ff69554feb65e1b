package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskgate/deskgate/internal/config"
	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/auth"
)

func tokenCmd(configPath *string) *cobra.Command {
	var (
		clientID string
		subject  string
		perms    []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a client token signed with the configured secret",
		Long: `Issue a bearer token for the control channel.

Permissions: session, input, clipboard, files, devices, admin.

Examples:
  deskgate token --client-id kiosk-7
  deskgate token --client-id ops --perm admin --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return gwerrors.Newf(gwerrors.InvalidConfig, "token", "auth.jwt_secret is not set")
			}
			for i, p := range perms {
				perms[i] = strings.TrimSpace(p)
				if !knownPermission(perms[i]) {
					return gwerrors.Newf(gwerrors.InvalidConfig, "token", "unknown permission %q", p)
				}
			}
			tok, err := auth.Issue([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, auth.Identity{
				ClientID:    clientID,
				Subject:     subject,
				Permissions: perms,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "Client ID the token is bound to")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (default: the client ID)")
	cmd.Flags().StringSliceVarP(&perms, "perm", "p",
		[]string{auth.PermSession, auth.PermInput, auth.PermClipboard, auth.PermFiles, auth.PermDevices},
		"Granted permissions")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func knownPermission(p string) bool {
	switch p {
	case auth.PermSession, auth.PermInput, auth.PermClipboard, auth.PermFiles, auth.PermDevices, auth.PermAdmin:
		return true
	}
	return false
}
