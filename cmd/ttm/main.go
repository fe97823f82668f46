package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ttm/internal/app"
	"ttm/internal/config"
	"ttm/internal/db"
	"ttm/internal/domain"
	"ttm/internal/engine"
	"ttm/internal/migrate"
	"ttm/internal/rbac"
	"ttm/internal/repo"
	"ttm/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ttm",
	Short: "Tow Truck Mali dispatch server",
	Long: `ttm runs the dispatch core: missions move through
en_attente -> publiee -> assignee -> acceptee -> en_route -> sur_place -> terminee,
with admin (annulee_admin) and client (annulee_client) cancellation.
Every change is checked against RBAC permissions, written to the event log
and pushed to connected sockets.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TTM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding ttm.yml and .ttm/")
	rootCmd.PersistentFlags().String("db", "", "database path (defaults to <workspace>/.ttm/ttm.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", engine.System.ID, "actor the command runs as")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, socket hub and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx, app.ServeOptions{
					Addr:     addr,
					BasePath: basePath,
					Ready: func(bound string) {
						base := basePath
						if base == "" {
							base = a.Config.Server.BasePath
						}
						fmt.Printf("Serving TTM API on http://%s%s (socket at %s/socket, docs at %s/docs)\n", bound, base, base, base)
					},
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Aliases: []string{"request"}, Short: "Inspect and drive missions"}
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionGetCmd())
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionPublishCmd())
	cmd.AddCommand(missionAssignCmd())
	cmd.AddCommand(missionStatusCmd())
	cmd.AddCommand(missionDeleteCmd())
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				var s domain.Status
				if status != "" {
					parsed, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					s = parsed
				}
				items, err := e.ListMissions(ctx, u, s, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Client", "Operator", "Service", "Price", "Distance", "Updated"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Status, m.ClientRef, stringOrEmpty(m.OperatorRef), m.ServiceKind, floatOrEmpty(m.Price), floatOrEmpty(m.Distance), m.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum missions (capped at 200)")
	return cmd
}

func missionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMissionID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				m, err := e.GetMission(ctx, u, id)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
}

func missionCreateCmd() *cobra.Command {
	var in engine.CreateMissionInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ServiceKind == "" {
				return fmt.Errorf("--service required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				m, err := e.CreateMission(ctx, u, in)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.ClientRef, "client", "", "client actor id (defaults to the acting actor)")
	cmd.Flags().StringVar(&in.ServiceKind, "service", "", "service kind, e.g. remorquage")
	cmd.Flags().Float64Var(&in.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&in.Lng, "lng", 0, "longitude")
	cmd.Flags().StringVar(&in.Address, "address", "", "pickup address")
	return cmd
}

func missionPublishCmd() *cobra.Command {
	var price, distance float64
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a pending mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMissionID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				m, err := e.Publish(ctx, u, id, price, distance)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "quoted price")
	cmd.Flags().Float64Var(&distance, "distance", 0, "distance in km")
	return cmd
}

func missionAssignCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a published mission to an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator required")
			}
			id, err := parseMissionID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				m, err := e.Assign(ctx, u, id, operator)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator actor id")
	return cmd
}

func missionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a mission to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMissionID(args[0])
			if err != nil {
				return err
			}
			to, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				m, err := e.SetStatus(ctx, u, id, to)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMissionID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				if err := e.DeleteMission(ctx, u, id); err != nil {
					return err
				}
				fmt.Printf("Deleted mission %d\n", id)
				return nil
			})
		},
	}
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Manage clients, operators and admins"}
	cmd.AddCommand(actorAddCmd())
	cmd.AddCommand(actorListCmd())
	return cmd
}

func actorAddCmd() *cobra.Command {
	var a domain.Actor
	var roles []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ID == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				saved, err := e.UpsertActor(ctx, u, a, roles)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Saved %s %s (roles: %s)\n", saved.Kind, saved.ID, strings.Join(roles, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "actor id")
	cmd.Flags().StringVar(&a.Kind, "kind", domain.ActorClient, "admin, client or operator")
	cmd.Flags().StringVar(&a.DisplayName, "name", "", "display name")
	cmd.Flags().BoolVar(&a.IsSuper, "super", false, "grant super-admin")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	return cmd
}

func actorListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ rbac.User) error {
				items, err := e.Repo.ListActors(ctx, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Super", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.DisplayName, a.IsSuper, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacCheckCmd())
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ rbac.User) error {
				roles, err := e.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				ids := make([]string, 0, len(roles))
				for id := range roles {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Permissions"})
				for _, id := range ids {
					tw.AppendRow(table.Row{id, strings.Join(roles[id], ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting actor's effective permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				roles, err := e.Roles.ActorRoles(ctx, e.DB, u.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":          u.ID,
					"kind":        u.Kind,
					"is_super":    u.IsSuper,
					"roles":       nonNil(roles),
					"permissions": nonNil(e.RBAC.Effective(u)),
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				if err := e.GrantRole(ctx, u, target, role); err != nil {
					return err
				}
				fmt.Printf("Granted %s to %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				if err := e.RevokeRole(ctx, u, target, role); err != nil {
					return err
				}
				fmt.Printf("Revoked %s from %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <permission>...",
		Short: "Evaluate permissions for the acting actor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				result := map[string]bool{}
				for _, key := range args {
					result[key] = e.RBAC.Can(u, key)
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				for _, key := range args {
					fmt.Printf("%-24s %v\n", key, result[key])
				}
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for machine clients"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				key, raw, err := e.CreateAPIKey(ctx, u, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ rbac.User) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ rbac.User) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted API key %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var actorID, kind string
	var perms []string
	var super bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(os.Getenv(cfg.Auth.JWTSecretEnv))
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Auth.JWTSecretEnv)
			}
			tok, err := server.SignToken(secret, rbac.User{
				ID:          actorID,
				Kind:        kind,
				IsSuper:     super,
				Permissions: rbac.NewPermissionSet(perms...),
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject actor id")
	cmd.Flags().StringVar(&kind, "kind", "", "actor kind claim")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "extra permission claim (repeatable)")
	cmd.Flags().BoolVar(&super, "super", false, "is_super claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed mission, financial and RBAC change, in order.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, u rbac.User) error {
				items, err := e.ListEvents(ctx, u, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events with a greater id")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage ttm.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default ttm.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate ttm.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("Config is valid")
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Inspect(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(cmd.Context(), conn)
		},
	})
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, rbac.User) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		u, err := actingUser(ctx, a.Engine)
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, u)
	})
}

// actingUser resolves --actor-id. The system actor is the local operator of
// the database and bypasses permission checks.
func actingUser(ctx context.Context, e engine.Engine) (rbac.User, error) {
	actorID := strings.TrimSpace(viper.GetString("actor-id"))
	if actorID == "" || actorID == engine.System.ID {
		return engine.System, nil
	}
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rbac.User{}, fmt.Errorf("unknown actor %s (register it with 'ttm actor add')", actorID)
		}
		return rbac.User{}, err
	}
	return e.ResolveUser(ctx, actorID, "", false, nil)
}

func parseMissionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mission id %q", raw)
	}
	return id, nil
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	fmt.Printf("Mission %d is %s\n", m.ID, m.Status)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func floatOrEmpty(ptr *float64) string {
	if ptr == nil {
		return ""
	}
	return strconv.FormatFloat(*ptr, 'f', -1, 64)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
