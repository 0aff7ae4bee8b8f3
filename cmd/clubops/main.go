package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clubops/internal/app"
	"clubops/internal/config"
	"clubops/internal/domain"
	"clubops/internal/engine"
	"clubops/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "clubops",
	Short: "Club operations task ownership CLI",
	Long: `clubops tracks who owns each matchday and admin task of a club.
Core concepts:
- Task: a checklist item, optionally tied to a fixture or a template pack.
- Owner: one explicit person responsible for a task, plus an optional backup.
- Role task: a task with no owner but an owner role; any member of the role may claim it.
- Handover: moving all open tasks of one person to another person, a role or their backups.
- Audit log: every change is recorded; view it with 'clubops audit tail'.`,
	SilenceUsage: true,
}

func main() {
	loadDotEnv()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// loadDotEnv reads .env from the working directory when present, without
// overriding variables already set.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not load .env:", err)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLUBOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "person performing the action")
	rootCmd.PersistentFlags().String("club", "", "club id (overrides clubops.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "club", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(handoverCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage clubops.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default clubops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			clubID := viper.GetString("club")
			if clubID == "" {
				return fmt.Errorf("--club required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if _, err := config.FromYAML([]byte(config.GenerateDefault(clubID))); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(clubID)), 0o644); err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CLUBOPS_CLUB", clubID); err != nil {
				return err
			}
			fmt.Printf("Wrote %s for club %s\n", path, clubID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(rt.Config)
				}
				b, err := rt.Config.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate clubops.yml or the given file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if len(args) == 1 {
				cfg, err = config.FromFile(args[0])
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: club %s, %d role(s)\n", cfg.Club.ID, len(cfg.Roles))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var person string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with CLUBOPS_JWT_SECRET whose subject is --person.",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), person, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&person, "person", "", "person id the token acts as")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("person")
	return cmd
}

func rolesCmd() *cobra.Command {
	roles := &cobra.Command{Use: "roles", Short: "Inspect the role directory"}
	roles.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles and members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items := rt.Directory.Roles()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Role", "System", "Members", "Description"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Name, r.System, strings.Join(r.Members, ", "), r.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return roles
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	audit.AddCommand(auditListCmd())
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditListCmd() *cobra.Command {
	var fixtureID, taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events of a fixture or a task, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.ListAuditEvents(ctx, auditQuery(rt, fixtureID, taskID, 0))
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().StringVar(&fixtureID, "fixture", "", "fixture id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.MarkFlagsOneRequired("fixture", "task")
	cmd.MarkFlagsMutuallyExclusive("fixture", "task")
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events of the club",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.ListAuditEvents(ctx, auditQuery(rt, "", "", n))
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func auditQuery(rt *app.Runtime, fixtureID, taskID string, limit int) engine.AuditQuery {
	return engine.AuditQuery{ClubID: rt.ClubID(), FixtureID: fixtureID, TaskID: taskID, Limit: limit}
}

func printEvents(events []domain.AuditEvent) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "At", "Type", "Task", "Actor", "Payload"})
	for _, e := range events {
		payload, _ := json.Marshal(e.Payload)
		tw.AppendRow(table.Row{e.Seq, e.CreatedAt, e.Type, deref(e.TaskID), e.ActorID, string(payload)})
	}
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var ephemeral bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtimeOptions()
			opts.Ephemeral = ephemeral
			return withRuntimeOptions(cmd.Context(), opts, func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: rt.Config.Server.AllowActorHeader,
					Logger:           rt.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("CLUBOPS_JWT_SECRET is required unless server.allow_actor_header is set")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					ClubID:   rt.ClubID(),
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Infow("Serving club operations API", "addr", addr, "basePath", basePath, "clubID", rt.ClubID())
				fmt.Printf("Serving club operations API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from clubops.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from clubops.yml)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep tasks and events in memory only")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeOptions(ctx, runtimeOptions(), fn)
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		ClubID:    viper.GetString("club"),
		LogLevel:  viper.GetString("log-level"),
	}
}

func withRuntimeOptions(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// actorID returns --actor-id or fails; every write names its actor.
func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or CLUBOPS_ACTOR_ID) required")
	}
	return id, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
