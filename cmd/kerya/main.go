package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kerya/internal/app"
	"kerya/internal/config"
	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/interval"
	"kerya/internal/repo"
	"kerya/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kerya",
	Short: "Kerya availability and matching core",
	Long: `Kerya books rentable resources (houses, hotel rooms, event halls) without
double booking and matches client budget posts with host offers.
- Resources: the things you rent, each with a calendar of committed intervals.
- Reservations: pending holds that a host confirms before the hold window lapses.
- Budget posts: a client's window and ceiling price; hosts answer with offers.
- Threads: per-reservation and per-offer conversations with gap-free ordering.
- Event log: every state change, view with 'kerya log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KERYA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("db-driver", "", "database driver (sqlite or postgres), overrides kerya.yml")
	flags.String("db-dsn", "", "database DSN, overrides kerya.yml")
	flags.String("log-level", "", "log level, overrides kerya.yml")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens (or KERYA_JWT_SECRET)")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "db-dsn", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(reservationCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default kerya.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println("schema up to date")
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				log := e.Log
				rt, err := app.NewRuntime(ctx, e, e.Config, log)
				if err != nil {
					return err
				}
				defer rt.Close()
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					Log:              log.WithField("component", "auth"),
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("KERYA_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      log.WithField("component", "http"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Serving Kerya API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				return rt.Serve(ctx, addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from kerya.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from kerya.yml)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume background jobs and run the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				rt, err := app.NewRuntime(ctx, e, e.Config, e.Log)
				if err != nil {
					return err
				}
				defer rt.Close()
				e.Log.WithField("queue", e.Config.Queue.Driver).Info("worker started")
				return rt.Run(ctx)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed holds and budget posts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change: holds, confirmations, offers, messages, expiries.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, exp, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(server.TokenResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339)})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "ky_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if d := viper.GetString("db-driver"); d != "" {
		cfg.Database.Driver = d
	}
	if dsn := viper.GetString("db-dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, cfg.Validate()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, dialect, err := app.OpenDatabase(viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, dialect, cfg)
	e.Log = logrus.NewEntry(app.NewLogger(cfg.Log.Level, cfg.Log.Format))
	return fn(ctx, e)
}

func actor() string {
	return viper.GetString("actor-id")
}

func parseWindow(from, to string) (interval.Interval, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("--from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return interval.Interval{}, fmt.Errorf("--to: %w", err)
	}
	return interval.New(start.UTC(), end.UTC())
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	switch items := v.(type) {
	case []domain.Resource:
		tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Owner", "Capacity", "Policy"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.ID, r.Kind, r.Title, r.Status, r.OwnerID, r.Capacity, r.CancellationPolicy})
		}
	case []domain.Reservation:
		tw.AppendHeader(table.Row{"ID", "Ref", "Resource", "Client", "Start", "End", "Status"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.ID, r.Reference, r.ResourceID, r.ClientID, fmtTime(r.Interval.Start), fmtTime(r.Interval.End), r.Status})
		}
	case []domain.BudgetPost:
		tw.AppendHeader(table.Row{"ID", "Client", "Category", "Start", "End", "Max", "Status"})
		for _, p := range items {
			tw.AppendRow(table.Row{p.ID, p.ClientID, p.Category, fmtTime(p.Interval.Start), fmtTime(p.Interval.End), fmt.Sprintf("%d %s", p.MaxPrice, p.Currency), p.Status})
		}
	case []domain.Offer:
		tw.AppendHeader(table.Row{"ID", "Host", "Resource", "Start", "End", "Price", "Status"})
		for _, o := range items {
			tw.AppendRow(table.Row{o.ID, o.HostID, o.ResourceID, fmtTime(o.Interval.Start), fmtTime(o.Interval.End), o.Price, o.Status})
		}
	case []domain.OfferView:
		tw.AppendHeader(table.Row{"#", "Offer", "Host", "Price", "Score", "Price Fit", "Overlap", "Reliability"})
		for _, ov := range items {
			c := ov.Components
			tw.AppendRow(table.Row{ov.Rank, ov.Offer.ID, ov.Offer.HostID, ov.Offer.Price, fmt.Sprintf("%.4f", ov.Score),
				fmt.Sprintf("%.3f", c.Price), fmt.Sprintf("%.3f", c.Overlap), fmt.Sprintf("%.3f", c.Reliability)})
		}
	case []domain.Message:
		tw.AppendHeader(table.Row{"Seq", "Sender", "At", "Body"})
		for _, m := range items {
			tw.AppendRow(table.Row{m.Seq, m.SenderID, fmtTime(m.CreatedAt), m.Body})
		}
	case []domain.Event:
		tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
		for _, ev := range items {
			tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
		}
	case []domain.APIKey:
		tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
		for _, k := range items {
			tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
		}
	case domain.Availability:
		tw.AppendHeader(table.Row{"State", "Start", "End"})
		for _, iv := range items.Busy {
			tw.AppendRow(table.Row{"busy", fmtTime(iv.Start), fmtTime(iv.End)})
		}
		for _, iv := range items.Free {
			tw.AppendRow(table.Row{"free", fmtTime(iv.Start), fmtTime(iv.End)})
		}
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return nil
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}
