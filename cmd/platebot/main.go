package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/platebot/internal/bus"
	"github.com/stellarlinkco/platebot/internal/channel"
	"github.com/stellarlinkco/platebot/internal/config"
	"github.com/stellarlinkco/platebot/internal/engine"
	"github.com/stellarlinkco/platebot/internal/gateway"
	"github.com/stellarlinkco/platebot/internal/journal"
	"github.com/stellarlinkco/platebot/internal/messages"
	"github.com/stellarlinkco/platebot/internal/nutrition"
)

// cliOptions carries injectable collaborators for tests. Zero values select
// the configured providers.
type cliOptions struct {
	Vision engine.VisionAnalyzer
	Lookup nutrition.Lookup
}

func newRootCmd(opts cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "platebot",
		Short:         "platebot - meal photo nutrition assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (channels + housekeeping + HTTP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write the default config and an editable message catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.OutOrStdout())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show platebot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Analyze one plate photo and print the nutrition breakdown as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	var (
		conversation string
		limit        int
		asJSON       bool
	)
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "List confirmed meals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd.Context(), cmd.OutOrStdout(), journal.ListOptions{
				Conversation: bus.ConversationID(conversation),
				Limit:        limit,
			}, asJSON)
		},
	}
	journalCmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Only meals of this conversation (<channel>:<chat id>)")
	journalCmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultListLimit, "Maximum number of meals")
	journalCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	root.AddCommand(serveCmd, onboardCmd, statusCmd, analyzeCmd, journalCmd)
	return root
}

func main() {
	if err := newRootCmd(cliOptions{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'platebot onboard' or set PLATEBOT_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Conversation.MessagesFile = filepath.Join(cfgDir, "messages.yaml")
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(out, filepath.Join(cfgDir, "messages.yaml"), messages.DefaultYAML())

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your model API key and enable a channel\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set PLATEBOT_API_KEY and PLATEBOT_USDA_API_KEY")
	fmt.Fprintln(out, "  3. Run 'platebot analyze plate.jpg' to test")
	return nil
}

func runStatus(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "USDA Key: %s\n", maskKey(cfg.Nutrition.USDAAPIKey))
	fmt.Fprintf(out, "WhatsApp Cloud: enabled=%v\n", cfg.Channels.WhatsAppCloud.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WhatsApp (linked device): enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Problems: %v\n", err)
	}

	path := cfg.JournalPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(out, "Journal: %s (not created yet)\n", path)
		return nil
	}
	store, err := journal.Open(path)
	if err != nil {
		fmt.Fprintf(out, "Journal: error (%v)\n", err)
		return nil
	}
	defer store.Close()
	n, err := store.Count(ctx)
	if err != nil {
		fmt.Fprintf(out, "Journal: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Journal: %s (%d meals, enabled=%v)\n", path, n, cfg.Journal.Enabled)
	return nil
}

func runAnalyze(ctx context.Context, out io.Writer, path string, opts cliOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Vision == nil && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'platebot onboard' or set PLATEBOT_API_KEY / ANTHROPIC_API_KEY")
	}
	// One-shot runs need no transport.
	cfg.Channels = config.ChannelsConfig{}

	quiet := zerolog.Nop()
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Logger:   &quiet,
		Channels: []channel.Channel{},
		Vision:   opts.Vision,
		Lookup:   opts.Lookup,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	fa, err := gw.Engine().AnalyzeOnce(ctx, data, http.DetectContentType(data))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if fa.Items == nil {
		fa.Items = []nutrition.EnrichedFoodItem{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(fa)
}

func runJournal(ctx context.Context, out io.Writer, opts journal.ListOptions, asJSON bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer store.Close()

	meals, err := store.List(ctx, opts)
	if err != nil {
		return err
	}

	if asJSON {
		if meals == nil {
			meals = []journal.Meal{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(meals)
	}

	if len(meals) == 0 {
		fmt.Fprintln(out, "No meals recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCONVERSATION\tKCAL\tITEMS")
	for _, m := range meals {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%s\n",
			m.RecordedAt.Local().Format("2006-01-02 15:04"), m.Conversation, m.Totals.CaloriesKcal, itemSummary(m.Items))
	}
	return tw.Flush()
}

func itemSummary(items []nutrition.EnrichedFoodItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		grams := "?"
		if it.Grams != nil {
			grams = fmt.Sprintf("%.0f", *it.Grams)
		}
		parts = append(parts, fmt.Sprintf("%s (%s g)", it.Name, grams))
	}
	return strings.Join(parts, ", ")
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path string, content []byte) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0644); err != nil {
			fmt.Fprintf(out, "  Failed: %s (%v)\n", path, err)
			return
		}
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}
