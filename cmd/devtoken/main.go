// Command devtoken mints bearer tokens for local testing against the
// conversation API. It signs with the same JWT_SECRET and JWT_ISSUER the
// server reads, so a token printed here is accepted by a local server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/artem13815/chatrelay/pkg/security/jwt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		subject string
		admin   bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Print a signed bearer token for the chat API",
		Long: "Print a signed HS256 bearer token. JWT_SECRET and JWT_ISSUER are read from the\n" +
			"environment or .env; a random subject is used unless --subject is given.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			v := viper.New()
			v.SetDefault("JWT_SECRET", "dev-secret-change")
			v.SetDefault("JWT_ISSUER", "chatrelay")
			v.AutomaticEnv()

			id := uuid.New()
			if subject != "" {
				parsed, err := uuid.Parse(subject)
				if err != nil {
					return fmt.Errorf("subject must be a UUID: %w", err)
				}
				id = parsed
			}
			gen := jwt.NewGenerator(v.GetString("JWT_SECRET"), v.GetString("JWT_ISSUER"), ttl)
			token, err := gen.Generate(context.Background(), id, admin)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subject: %s\n", id)
			fmt.Fprintf(out, "expires: %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "Authorization: Bearer %s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "user id (UUID) to put into the sub claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "set the is_admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
