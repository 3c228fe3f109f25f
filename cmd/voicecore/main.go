// Package main is the entry point for the voicecore CLI.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/voicecore/internal/command"
	"github.com/normanking/voicecore/internal/config"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/logging"
	"github.com/normanking/voicecore/internal/recovery"
)

var (
	version     = "0.1.0"
	cfgPath     string
	logLevel    string
	metricsAddr string
	cfg         *config.Config
	log         *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voicecore",
		Short: "voicecore - conversation flow control for voice assistants",
		Long: `voicecore tracks voice sessions through listening, speaking and
interruption, recognizes spoken control commands, and recovers from speech
pipeline failures.

Try a session:      voicecore simulate
Inspect the tables: voicecore commands, voicecore policy`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ./voicecore.yaml or ~/.voicecore/voicecore.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicecore v%s\n", version)
		},
	})
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(commandsCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logging.LogLevel(logLevel)
	}
	if metricsAddr != "" {
		loaded.Metrics.Addr = metricsAddr
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	log, err = logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	zl := log.Zerolog()
	zl.Debug().Str("config", cfgPath).Msg("configuration loaded")
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if log != nil {
		return log.Close()
	}
	return nil
}

func commandsCmd() *cobra.Command {
	var (
		try      string
		state    string
		language string
	)
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List the voice command patterns, or test one utterance",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, _, err := loadTables(cfg)
			if err != nil {
				return err
			}
			rec := command.NewRecognizer(patterns, cfg.RecognizerConfig())
			out := cmd.OutOrStdout()

			if try == "" {
				for _, p := range rec.Patterns() {
					exprs := make([]string, 0, len(p.Expressions))
					for _, re := range p.Expressions {
						exprs = append(exprs, strings.TrimPrefix(re.String(), "(?i)"))
					}
					fmt.Fprintf(out, "%s %s %s\n",
						stateStyle.Render(fmt.Sprintf("%-16s", p.Command)),
						dimStyle.Render(fmt.Sprintf("[%s] ≥%.2f", strings.Join(p.Languages, ","), p.Threshold)),
						strings.Join(exprs, "  "))
				}
				return nil
			}

			var snap *conversation.Snapshot
			if state != "" {
				s, err := parseState(state)
				if err != nil {
					return err
				}
				snap = &conversation.Snapshot{State: s}
			}
			m, ok := rec.Recognize(try, language, snap)
			if !ok {
				fmt.Fprintln(out, dimStyle.Render("no command"))
				if hints := rec.Suggest(try, language, 3); len(hints) > 0 {
					names := make([]string, len(hints))
					for i, c := range hints {
						names[i] = c.String()
					}
					fmt.Fprintln(out, dimStyle.Render("did you mean: "+strings.Join(names, ", ")))
				}
				return nil
			}
			fmt.Fprintf(out, "%s confidence %.2f (raw %.2f)", stateStyle.Render(m.Command.String()), m.Confidence, m.RawConfidence)
			if len(m.Params) > 0 {
				fmt.Fprintf(out, " %v", m.Params)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&try, "try", "", "utterance to recognize")
	cmd.Flags().StringVar(&state, "state", "", "conversation state to score against")
	cmd.Flags().StringVar(&language, "language", "en", "utterance language")
	return cmd
}

func parseState(name string) (conversation.State, error) {
	for _, s := range conversation.States {
		if s.String() == strings.ToLower(name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func policyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective recovery policy as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, policy, err := loadTables(cfg)
			if err != nil {
				return err
			}
			doc := make(map[string][]recovery.Action)
			for _, kind := range policy.Kinds() {
				actions, _ := policy.Actions(kind)
				doc[kind.String()] = actions
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(map[string]any{"policies": doc}); err != nil {
				return fmt.Errorf("encode policy: %w", err)
			}
			return enc.Close()
		},
	}
}
