package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmux/shellmux/internal/config"
	"github.com/openmux/shellmux/internal/middleware"
)

var (
	tokenUser     string
	tokenSource   string
	tokenDuration time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed access token",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := middleware.GenerateToken(cfg.AuthSecret, tokenUser, tokenSource, tokenDuration)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id embedded in the token")
	tokenCmd.Flags().StringVar(&tokenSource, "source", "cli", "token source label")
	tokenCmd.Flags().DurationVar(&tokenDuration, "duration", 24*time.Hour, "token validity")
	rootCmd.AddCommand(tokenCmd)
}
