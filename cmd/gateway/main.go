package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
	"github.com/soimy/openclaw-channel-dingtalk/internal/dingtalk"
	"github.com/soimy/openclaw-channel-dingtalk/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "openclaw-dingtalk",
		Short:         "DingTalk channel gateway: stream-mode robot accounts bridged to an agent runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultConfigPath, "path to config file")

	rootCmd.AddCommand(
		newServeCmd(&cfgPath),
		newProbeCmd(&cfgPath),
		newSendCmd(&cfgPath),
	)
	return rootCmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect all enabled accounts and serve the HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(*cfgPath)
		},
	}
}

func newProbeCmd(cfgPath *string) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Verify an account's credentials against the platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, err := buildSendStack(*cfgPath)
			if err != nil {
				return err
			}
			acct, ok := stack.cfg.Account(accountID)
			if !ok || !acct.IsConfigured() {
				return fmt.Errorf("account %s is not configured", accountID)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if _, err := stack.tokens.Token(ctx, acct); err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			fmt.Printf("ok: clientId %s\n", acct.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", config.DefaultAccountID, "account id")
	return cmd
}

func newSendCmd(cfgPath *string) *cobra.Command {
	var accountID, mediaPath string
	cmd := &cobra.Command{
		Use:   "send <target> [text]",
		Short: "Send a proactive message (target accepts group:/user: prefixes)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildSendStack(*cfgPath)
			if err != nil {
				return err
			}
			acct, ok := stack.cfg.Account(accountID)
			if !ok || !acct.IsConfigured() {
				return fmt.Errorf("account %s is not configured", accountID)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			if mediaPath != "" {
				mediaType := dingtalk.DetectMediaTypeFromExtension(mediaPath)
				messageID, err := stack.send.SendProactiveMedia(ctx, acct, args[0], mediaPath, mediaType)
				if err != nil {
					return err
				}
				fmt.Printf("sent: %s\n", messageID)
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("text or --media is required")
			}
			return stack.send.SendProactive(ctx, acct, args[0], args[1], dingtalk.SendOptions{})
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", config.DefaultAccountID, "account id")
	cmd.Flags().StringVarP(&mediaPath, "media", "m", "", "path to a local media file")
	return cmd
}

type sendStack struct {
	cfg    config.Config
	tokens *dingtalk.TokenCache
	send   *dingtalk.SendService
}

// buildSendStack wires the minimal outbound stack for one-shot commands.
func buildSendStack(cfgPath string) (*sendStack, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.L

	client := dingtalk.NewClient(nil, log)
	tokens := dingtalk.NewTokenCache(client, log)
	peers := dingtalk.NewPeerRegistry()
	media := dingtalk.NewMediaService(client, nil, tokens, log)
	send := dingtalk.NewSendService(client, tokens, peers, media, log)
	return &sendStack{cfg: cfg, tokens: tokens, send: send}, nil
}
