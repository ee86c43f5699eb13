package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sessionrelay/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "existing config unusable: %v\n", err)
		os.Exit(1)
	}

	var (
		telegramToken = cfg.Bots.Telegram.Token
		slackToken    = cfg.Bots.Slack.Token
		slackAppToken = cfg.Bots.Slack.AppToken
		indexPaths    = strings.Join(cfg.Index.Paths, ",")
		confirmed     bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather; leave empty to skip Telegram").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Slack bot token (xoxb-...)").
				Description("Leave empty to skip Slack").
				EchoMode(huh.EchoModePassword).
				Value(&slackToken),
			huh.NewInput().
				Title("Slack app-level token (xapp-...)").
				Description("Required for Socket Mode commands").
				EchoMode(huh.EchoModePassword).
				Value(&slackAppToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Session directories").
				Description("Comma-separated roots to index for search").
				Value(&indexPaths),
			huh.NewConfirm().
				Title(fmt.Sprintf("Write configuration to %s?", cfgPath)).
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "setup aborted: %v\n", err)
		os.Exit(1)
	}
	if !confirmed {
		fmt.Println("nothing written")
		return
	}

	cfg.Bots.Telegram.Token = strings.TrimSpace(telegramToken)
	cfg.Bots.Slack.Token = strings.TrimSpace(slackToken)
	cfg.Bots.Slack.AppToken = strings.TrimSpace(slackAppToken)
	if paths := splitPaths(indexPaths); len(paths) > 0 {
		cfg.Index.Paths = paths
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configuration written to %s\n", cfgPath)
	fmt.Println("start the relay with: sessionrelay serve")
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
