package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline coordinates a multi-role delivery pipeline: projects move through an
explicit lifecycle, sprints are gated by human approval, and role handoffs
(Implementer -> Reviewer -> QA -> PM) carry generated handoff documents.
State transitions are optimistic: callers state what they expect, and stale
expectations are rejected instead of retried.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(reinitiateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTransitionCmd())
	prj.AddCommand(projectApprovePlanCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var slug, name, desc, ownerID, implementerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
					Slug:          slug,
					Name:          name,
					Description:   desc,
					OwnerID:       ownerID,
					ImplementerID: implementerID,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "project slug (required)")
	cmd.Flags().StringVar(&name, "name", "", "project name (required)")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "project owner")
	cmd.Flags().StringVar(&implementerID, "implementer-id", "", "project implementer")
	_ = cmd.MarkFlagRequired("slug")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Name", "Status", "Approval"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Slug, p.Name, p.Status, p.ApprovalStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id-or-slug>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectTransitionCmd() *cobra.Command {
	var expected, target string
	cmd := &cobra.Command{
		Use:   "transition <project-id-or-slug>",
		Short: "Transition project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.TransitionProject(ctx, engine.ProjectTransitionOptions{
					ProjectID:      p.ID,
					ExpectedStatus: expected,
					TargetStatus:   target,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&expected, "from", "", "expected current status (required)")
	cmd.Flags().StringVar(&target, "to", "", "target status (required)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func projectApprovePlanCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "approve-plan <project-id-or-slug>",
		Short: "Set the plan approval status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.SetApprovalStatus(ctx, p.ID, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "APPROVED", "approval status")
	return cmd
}

// planFile is the YAML document consumed by `sl plan generate`.
type planFile struct {
	Backlog      string `yaml:"backlog"`
	Architecture string `yaml:"architecture"`
	Handoff      string `yaml:"handoff"`
	Sprints      []struct {
		Name string `yaml:"name"`
		Goal string `yaml:"goal"`
	} `yaml:"sprints"`
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Plan generation"}
	var file string
	gen := &cobra.Command{
		Use:   "generate <project-id-or-slug>",
		Short: "Materialize an approved plan into sprints and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var pf planFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("parse plan file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				plans := make([]engine.SprintPlan, len(pf.Sprints))
				for i, s := range pf.Sprints {
					plans[i] = engine.SprintPlan{Name: s.Name, Goal: s.Goal}
				}
				res, err := e.GeneratePlan(ctx, engine.GeneratePlanOptions{
					ProjectID:      p.ID,
					Backlog:        pf.Backlog,
					Architecture:   pf.Architecture,
					ProjectHandoff: pf.Handoff,
					Sprints:        plans,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	gen.Flags().StringVarP(&file, "file", "f", "plan.yml", "plan YAML file")
	plan.AddCommand(gen)
	return plan
}

func sprintCmd() *cobra.Command {
	sp := &cobra.Command{Use: "sprint", Short: "Manage sprints"}
	sp.AddCommand(sprintListCmd())
	sp.AddCommand(sprintGateCmd("approve", "Approve a gated sprint",
		func(ctx context.Context, e engine.Engine, id, actor string) (engine.SprintGateResult, error) {
			return e.ApproveSprint(ctx, id, actor)
		}))
	sp.AddCommand(sprintGateCmd("reject", "Reject a gated sprint back to PLANNED",
		func(ctx context.Context, e engine.Engine, id, actor string) (engine.SprintGateResult, error) {
			return e.RejectSprint(ctx, id, actor)
		}))
	return sp
}

func sprintListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id-or-slug>",
		Short: "List sprints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				items, err := e.Repo.ListSprints(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Name", "Status", "Started", "Completed"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Number, s.ID, s.Name, s.Status, strDeref(s.StartedAt), strDeref(s.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sprintGateCmd(verb, short string, run func(context.Context, engine.Engine, string, string) (engine.SprintGateResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <sprint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := run(ctx, e, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !res.EventSent {
					fmt.Fprintln(os.Stderr, "warning: state changed but the kickoff event was not delivered; run 'sl reinitiate' to re-send")
				}
				return printJSON(res.Sprint)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Role workflow operations"}
	var from, to, fromRole, toRole, decision, summary, contentFile string
	handoff := &cobra.Command{
		Use:   "handoff <sprint-id>",
		Short: "Execute one role workflow transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExecuteHandoff(ctx, engine.HandoffOptions{
					SprintID:   args[0],
					FromStatus: from,
					ToStatus:   to,
					FromRole:   fromRole,
					ToRole:     toRole,
					Decision:   decision,
					Summary:    summary,
					Content:    content,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	handoff.Flags().StringVar(&from, "from", "", "current workflow status (required)")
	handoff.Flags().StringVar(&to, "to", "", "target workflow status (required)")
	handoff.Flags().StringVar(&fromRole, "from-role", "", "handing-off role (required)")
	handoff.Flags().StringVar(&toRole, "to-role", "", "receiving role (required)")
	handoff.Flags().StringVar(&decision, "decision", "", "decision tag (APPROVE, REQUEST_CHANGES, ...)")
	handoff.Flags().StringVar(&summary, "summary", "", "work summary (required)")
	handoff.Flags().StringVar(&contentFile, "content-file", "", "use this file as the handoff document instead of generating one")
	_ = handoff.MarkFlagRequired("from")
	_ = handoff.MarkFlagRequired("to")
	_ = handoff.MarkFlagRequired("from-role")
	_ = handoff.MarkFlagRequired("to-role")
	_ = handoff.MarkFlagRequired("summary")
	wf.AddCommand(handoff)
	return wf
}

func reinitiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinitiate <project-id-or-slug>",
		Short: "Re-send the kickoff event for a stuck workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e, args[0])
				if err != nil {
					return err
				}
				res, err := e.Reinitiate(ctx, p.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, projectID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType)
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
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&projectID, "project", "", "project id filter")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("SHIPLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret in shipline.yml or SHIPLINE_JWT_SECRET")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Shipline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

// resolveProject accepts either a project id or a slug.
func resolveProject(ctx context.Context, e engine.Engine, ref string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	return e.Repo.GetProjectBySlug(ctx, ref)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
