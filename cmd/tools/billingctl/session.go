package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stratplan/internal/types"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage bearer sessions",
}

var sessionIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Issue a bearer session token for a user",
	Long: `issue creates a session for an existing user and prints the token once.
The token is not recoverable afterwards; only its hash is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		return issueSession(cmd.Context(), cmd.OutOrStdout(), a.Tenants, a.Sessions, args[0])
	},
}

func init() {
	sessionCmd.AddCommand(sessionIssueCmd)
}

type userGetter interface {
	GetUserByID(ctx context.Context, userID string) (*types.User, error)
}

type sessionIssuer interface {
	Issue(ctx context.Context, userID string) (string, *types.Session, error)
}

func issueSession(ctx context.Context, w io.Writer, users userGetter, sessions sessionIssuer, userID string) error {
	user, err := users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	token, s, err := sessions.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "user:    %s (%s, tenant %s)\n", user.Email, user.Role, user.TenantID)
	fmt.Fprintf(w, "expires: %s\n", s.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "token:   %s\n", token)
	return nil
}
