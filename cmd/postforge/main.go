package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/postforge/internal/backoffice"
	"github.com/rcourtman/postforge/internal/backoffice/admin"
	"github.com/rcourtman/postforge/internal/backoffice/linktoken"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "postforge",
		Short:         "Postforge back office",
		Long:          `Postforge back office: identity, billing and bot webhooks, gated tool endpoints and admin API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newLinkTokenCmd(), newClientHashCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the back office HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return backoffice.Run(cmd.Context(), Version)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Postforge %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// secretFlag reads --secret, falling back to PF_SECRET.
func secretFlag(cmd *cobra.Command) (backoffice.Keys, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret = strings.TrimSpace(secret); secret == "" {
		secret = strings.TrimSpace(os.Getenv("PF_SECRET"))
	}
	if secret == "" {
		return backoffice.Keys{}, fmt.Errorf("PF_SECRET (or --secret) is required")
	}
	return backoffice.DeriveKeys(secret)
}

func newLinkTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link-token <external-identity-id>",
		Short: "Mint a bot link token offline",
		Long:  `Mint a bot link token for an identity without contacting the server. The account is not checked; use POST /admin/link-token for that.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := secretFlag(cmd)
			if err != nil {
				return err
			}
			codec, err := linktoken.NewCodec(keys.LinkToken)
			if err != nil {
				return err
			}
			token, expiresAt, err := codec.Issue(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			bot, _ := cmd.Flags().GetString("bot")
			if bot == "" {
				bot = os.Getenv("TELEGRAM_BOT_USERNAME")
			}
			printLinkToken(cmd.OutOrStdout(), token, expiresAt, admin.DeepLink(bot, token))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "master secret (defaults to PF_SECRET)")
	cmd.Flags().String("bot", "", "bot username for the deep link (defaults to TELEGRAM_BOT_USERNAME)")
	return cmd
}

func printLinkToken(out io.Writer, token string, expiresAt time.Time, deepLink string) {
	fmt.Fprintf(out, "Token:   %s\n", token)
	fmt.Fprintf(out, "Expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
	if deepLink != "" {
		fmt.Fprintf(out, "Link:    %s\n", deepLink)
	}
}

func newClientHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client-hash <ip>",
		Short: "Print the Rate Gate client hash for an IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := strings.TrimSpace(args[0])
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("invalid IP address %q", ip)
			}
			keys, err := secretFlag(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rategate.ClientHash(keys.ClientSalt, ip))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "master secret (defaults to PF_SECRET)")
	return cmd
}

// executeContext is used by tests to run the CLI with captured output.
func executeContext(ctx context.Context, out io.Writer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
