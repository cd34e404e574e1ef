package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quorum/internal/app"
	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/logging"
	"quorum/internal/repo"
	"quorum/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "qm",
	Short: "Quorum CLI",
	Long: `Quorum collects approvals on tickets and changes.
Core concepts:
- Step definition: a named approval stage with a minimal required percent of accepted votes. Exactly one is the default.
- Step instance: a step bound to one ticket or change. Its threshold can be overridden per item.
- Vote: an approval request addressed to a user or a group. It is waiting until answered accepted or refused.
- Global validation: none until votes exist, then refused if any step is refused, waiting if any step waits, accepted otherwise.
- Event log: every change is recorded, view it with 'qm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides quorum.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create quorum.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			wrote := false
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				wrote = true
			} else if err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			appCtx, err := app.Open(cmd.Context(), app.Options{
				Workspace: workspace,
				ActorID:   viper.GetString("actor-id"),
				Config:    cfg,
				Log:       logging.New(cfg, os.Stderr),
			})
			if err != nil {
				return err
			}
			defer appCtx.Close()
			return printJSONOrTable(map[string]any{
				"config":         path,
				"config_written": wrote,
				"database":       db.Path(workspace),
				"schema_version": appCtx.SchemaVersion,
				"steps_seeded":   appCtx.Seeded,
			})
		},
	}
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Manage step definitions"}
	step.AddCommand(stepListCmd())
	step.AddCommand(stepCreateCmd())
	step.AddCommand(stepUpdateCmd())
	step.AddCommand(stepDeleteCmd())
	return step
}

func stepListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List step definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.ListDefinitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Percent", "Default", "Comment"})
				for _, d := range defs {
					def := ""
					if d.IsDefault {
						def = "*"
					}
					tw.AppendRow(table.Row{d.ID, d.Name, d.MinimalRequiredPercent, def, d.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stepCreateCmd() *cobra.Command {
	var name, comment string
	var percent int
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a step definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDefinition(ctx, engine.DefinitionCreateOptions{
					Name:                   name,
					MinimalRequiredPercent: percent,
					IsDefault:              isDefault,
					Comment:                comment,
					ActorID:                viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "step name")
	cmd.Flags().IntVar(&percent, "percent", 100, "minimal required percent of accepted votes")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the default step")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stepUpdateCmd() *cobra.Command {
	var name, comment string
	var percent int
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a step definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DefinitionUpdateOptions{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("percent") {
				opts.MinimalRequiredPercent = &percent
			}
			if cmd.Flags().Changed("default") {
				opts.IsDefault = &isDefault
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDefinition(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "step name")
	cmd.Flags().IntVar(&percent, "percent", 0, "minimal required percent of accepted votes")
	cmd.Flags().BoolVar(&isDefault, "default", false, "default flag")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func stepDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a step definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDefinition(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": args[0]})
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage tickets and changes"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemListCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var kind, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket or change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateWorkItem(ctx, domain.ItemKind(kind), title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.ItemTicket), "ticket or change")
	cmd.Flags().StringVar(&title, "title", "", "title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show the validation summary of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseItemKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.ValidationSummary(ctx, kind, args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("%s %s: %s [%s]\n", sum.Item.Kind, sum.Item.ID, sum.Item.Title, sum.Status.Label())
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Instance", "Percent", "Votes", "Accepted", "Refused", "Waiting", "Status"})
				for _, s := range sum.Steps {
					tw.AppendRow(table.Row{
						s.DefinitionName, s.StepInstanceID, s.MinimalRequiredPercent, s.Votes,
						s.Achievements.Accepted, s.Achievements.Refused, s.Achievements.Waiting, s.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var kind, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items of one kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseItemKind(kind)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkItems(ctx, k, domain.Status(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Validation", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.GlobalValidation, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.ItemTicket), "ticket or change")
	cmd.Flags().StringVar(&status, "status", "", "filter on global validation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items")
	return cmd
}

func voteCmd() *cobra.Command {
	vote := &cobra.Command{Use: "vote", Short: "Request and answer approvals"}
	vote.AddCommand(voteRequestCmd())
	vote.AddCommand(voteAnswerCmd())
	vote.AddCommand(voteUpdateCmd())
	vote.AddCommand(voteDeleteCmd())
	vote.AddCommand(voteListCmd())
	vote.AddCommand(votePendingCmd())
	return vote
}

func voteRequestCmd() *cobra.Command {
	var kind, itemID, definitionID, targetType, targetID, comment string
	var percent int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask a user or group to approve an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseItemKind(kind)
			if err != nil {
				return err
			}
			opts := engine.VoteRequestOptions{
				Kind:              k,
				ItemID:            itemID,
				DefinitionID:      definitionID,
				TargetType:        domain.TargetType(targetType),
				TargetID:          targetID,
				SubmissionComment: comment,
				ActorID:           viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("percent") {
				opts.ThresholdOverride = &percent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RequestVote(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.ItemTicket), "ticket or change")
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&definitionID, "step", "", "step definition id (default step when empty)")
	cmd.Flags().StringVar(&targetType, "target-type", string(domain.TargetUser), "user or group")
	cmd.Flags().StringVar(&targetID, "target", "", "user or group id")
	cmd.Flags().StringVar(&comment, "comment", "", "submission comment")
	cmd.Flags().IntVar(&percent, "percent", 0, "override the step threshold for this item")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func voteAnswerCmd() *cobra.Command {
	var status, comment string
	cmd := &cobra.Command{
		Use:   "answer <vote-id>",
		Short: "Accept, refuse or reset a vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.AnswerVote(ctx, args[0], engine.VoteAnswerOptions{
					Status:  domain.Status(status),
					Comment: comment,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.StatusAccepted), "accepted, refused or waiting")
	cmd.Flags().StringVar(&comment, "comment", "", "validation comment (required to refuse)")
	return cmd
}

func voteUpdateCmd() *cobra.Command {
	var definitionID, comment string
	var percent int
	cmd := &cobra.Command{
		Use:   "update <vote-id>",
		Short: "Move a vote to another step or change its comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.VoteUpdateOptions{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("step") {
				opts.DefinitionID = &definitionID
			}
			if cmd.Flags().Changed("percent") {
				opts.ThresholdOverride = &percent
			}
			if cmd.Flags().Changed("comment") {
				opts.SubmissionComment = &comment
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UpdateVote(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&definitionID, "step", "", "step definition id")
	cmd.Flags().IntVar(&percent, "percent", 0, "override the step threshold for this item")
	cmd.Flags().StringVar(&comment, "comment", "", "submission comment")
	return cmd
}

func voteDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vote-id>",
		Short: "Delete a vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteVote(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"deleted": args[0]})
			})
		},
	}
}

func voteListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list <item-id>",
		Short: "List votes of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseItemKind(kind)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				votes, err := e.ListVotes(ctx, k, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(votes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step instance", "Target", "Status", "Requester", "Validator"})
				for _, v := range votes {
					tw.AppendRow(table.Row{v.ID, v.StepInstanceID, string(v.TargetType) + ":" + v.TargetID, v.Status, v.RequesterID, v.ValidatorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.ItemTicket), "ticket or change")
	return cmd
}

func votePendingCmd() *cobra.Command {
	var user string
	var groups []string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count items waiting on a user or their groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PendingCount(ctx, user, groups)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": user, "groups": groups, "count": n})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "group ids the user belongs to")
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Inspect step instances"}
	inst.AddCommand(&cobra.Command{
		Use:   "list <kind> <item-id>",
		Short: "List the step instances of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseItemKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStepInstances(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	var percent int
	threshold := &cobra.Command{
		Use:   "threshold <instance-id>",
		Short: "Override the threshold of a step instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				si, err := e.ApplyThresholdOverride(ctx, args[0], percent, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(si)
			})
		},
	}
	threshold.Flags().IntVar(&percent, "percent", 100, "minimal required percent")
	_ = threshold.MarkFlagRequired("percent")
	inst.AddCommand(threshold)
	return inst
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			logger := logging.New(cfg, os.Stderr)
			appCtx, err := app.Open(cmd.Context(), app.Options{
				Workspace: workspace,
				ActorID:   viper.GetString("actor-id"),
				Config:    cfg,
				Log:       logger,
			})
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt_secret"),
				Issuer:                 cfg.Server.JWTIssuer,
				Audience:               cfg.Server.JWTAudience,
				AllowLegacyActorHeader: cfg.Server.AllowActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUORUM_JWT_SECRET is required for bearer auth")
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: appCtx.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.WithFields(logrus.Fields{
				"addr":           addr,
				"base_path":      basePath,
				"schema_version": appCtx.SchemaVersion,
			}).Info("serving quorum API (OpenAPI at <base>/openapi.json, Swagger UI at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var groups []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --actor-id signed with QUORUM_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			claims := jwt.RegisteredClaims{
				Issuer:    cfg.Server.JWTIssuer,
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			}
			if cfg.Server.JWTAudience != "" {
				claims.Audience = jwt.ClaimStrings{cfg.Server.JWTAudience}
			}
			tok, err := server.IssueToken(viper.GetString("jwt_secret"), viper.GetString("actor-id"), groups, claims)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&groups, "group", nil, "groups claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	appCtx, err := app.Open(ctx, app.Options{
		Workspace: workspace,
		ActorID:   viper.GetString("actor-id"),
		Config:    cfg,
		Log:       logging.New(cfg, os.Stderr),
	})
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
