package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
)

// appOpener builds an App for one command. Tests replace it.
type appOpener func(ctx context.Context, opts ...kansoku.Option) (*kansoku.App, error)

func defaultOpener(_ context.Context, opts ...kansoku.Option) (*kansoku.App, error) {
	return kansoku.New(opts...)
}

type cli struct {
	logger     *slog.Logger
	open       appOpener
	configFile string
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	return (&cli{logger: logger, open: defaultOpener}).root()
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "kansoku",
		Short:         "Agent observability and risk control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "YAML or TOML config file")

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.jobCmd(),
		c.seedPricingCmd(),
		c.seedCmd(),
		c.workspaceCmd(),
		c.keysCmd(),
		c.genkeyCmd(),
	)
	return root
}

func (c *cli) app(ctx context.Context, extra ...kansoku.Option) (*kansoku.App, error) {
	opts := []kansoku.Option{
		kansoku.WithoutDotenv(),
		kansoku.WithLogger(c.logger),
		kansoku.WithVersion(version),
		kansoku.WithConfigFile(c.configFile),
	}
	return c.open(ctx, append(opts, extra...)...)
}

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and SSE stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []kansoku.Option
			if port != 0 {
				extra = append(extra, kansoku.WithPort(port))
			}
			app, err := c.app(cmd.Context(), extra...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override KANSOKU_PORT")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded SQL migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			app.Close(context.Background())
			ok(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) jobCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:       "job <aggregate|alerts|risk|health|retention>",
		Short:     "Run one scheduled job under the configured deadline",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{kansoku.JobAggregate, kansoku.JobAlerts, kansoku.JobRisk, kansoku.JobHealth, kansoku.JobRetention},
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date)
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			s, err := app.RunJob(cmd.Context(), args[0], day)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day (YYYY-MM-DD) for aggregate and health; default today")
	return cmd
}

func (c *cli) seedPricingCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-pricing",
		Short: "Load a YAML pricing reference file into the pricing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			n, err := app.SeedPricing(cmd.Context(), file)
			if err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), fmt.Sprintf("upserted %d pricing rows", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "pricing YAML; empty loads the built-in table")
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	var workspace, file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load risk policies from a YAML file into a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			n, err := app.SeedPolicies(cmd.Context(), ws, file)
			if err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), fmt.Sprintf("inserted %d risk policies", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&file, "file", "", "policy YAML")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) workspaceCmd() *cobra.Command {
	parent := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

	var name, tierName string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace and its first API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			ws, key, err := app.CreateWorkspace(cmd.Context(), name, tierName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ok(out, fmt.Sprintf("workspace %s (%s) created on tier %s", ws.ID, ws.Name, ws.Tier))
			printKey(out, key)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "workspace name")
	create.Flags().StringVar(&tierName, "tier", model.TierFree, "free, pro or enterprise")
	_ = create.MarkFlagRequired("name")

	parent.AddCommand(create)
	return parent
}

func (c *cli) keysCmd() *cobra.Command {
	parent := &cobra.Command{Use: "keys", Short: "Manage API keys"}

	var workspace, label string
	var expiresIn time.Duration
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().UTC().Add(expiresIn)
				expiresAt = &t
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			key, err := app.CreateAPIKey(cmd.Context(), ws, label, expiresAt)
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), key)
			return nil
		},
	}
	create.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	create.Flags().StringVar(&label, "label", "", "human-readable label")
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "key lifetime, e.g. 720h; 0 never expires")
	_ = create.MarkFlagRequired("workspace")
	_ = create.MarkFlagRequired("label")

	parent.AddCommand(create)
	return parent
}

func (c *cli) genkeyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Write an Ed25519 key pair for JWT signing",
		Long: "Writes jwt_private.pem and jwt_public.pem into --dir. Point KANSOKU_JWT_PRIVATE_KEY and\n" +
			"KANSOKU_JWT_PUBLIC_KEY at them; without persistent keys every restart invalidates issued tokens.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, pub, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ok(out, "wrote "+priv)
			ok(out, "wrote "+pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

func parseWorkspace(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workspace id %q: %w", s, err)
	}
	return id, nil
}

func ok(w io.Writer, msg string) {
	fmt.Fprintln(w, color.GreenString("✓"), msg)
}

func printKey(w io.Writer, k kansoku.APIKey) {
	fmt.Fprintf(w, "%s %s (label %q, prefix %s)\n", color.CyanString("api key"), k.ID, k.Label, k.Prefix)
	fmt.Fprintf(w, "%s %s\n", color.YellowString("raw key (shown once):"), k.RawKey)
}

func printSummary(w io.Writer, s kansoku.JobSummary) {
	status := color.GreenString("ok")
	if s.Failed > 0 || s.Truncated {
		status = color.YellowString("partial")
	}
	fmt.Fprintf(w, "%s %s processed=%d fired=%d failed=%d skipped=%d remaining=%d truncated=%t duration=%s\n",
		status, s.Job, s.Processed, s.Fired, s.Failed, s.Skipped, s.Remaining, s.Truncated, s.Duration)
}
