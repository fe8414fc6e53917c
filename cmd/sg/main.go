package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"studygate/internal/app"
	"studygate/internal/config"
	"studygate/internal/db"
	"studygate/internal/dispatch"
	"studygate/internal/domain"
	"studygate/internal/engine"
	"studygate/internal/migrate"
	"studygate/internal/rank"
	"studygate/internal/repo"
	"studygate/internal/server"
	"studygate/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Studygate CLI",
	Long: `Studygate runs research studies through a reviewed lifecycle.
A study starts in created, is submitted for review, gets approved or rejected,
and once its artifact is built and published it can be activated, paused,
resumed, and finally deactivated. Every committed transition is recorded in an
append-only audit log, permission is rank-based per lab, and concurrent edits
are resolved with optimistic versioning.`,
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
	viper.SetEnvPrefix("STUDYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("lab", "", "lab id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("lab", rootCmd.PersistentFlags().Lookup("lab"))
}

func registerCommands() {
	rootCmd.AddCommand(labCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(studyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func labCmd() *cobra.Command {
	lab := &cobra.Command{Use: "lab", Short: "Manage labs"}
	lab.AddCommand(labListCmd())
	lab.AddCommand(labCreateCmd())
	lab.AddCommand(labShowCmd())
	lab.AddCommand(labUseCmd())
	lab.AddCommand(labConfigCmd())
	return lab
}

func labListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListLabs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func labCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetLab(ctx, id); err == nil {
					return fmt.Errorf("lab %s already exists", id)
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				actor := viper.GetString("actor-id")
				now := time.Now().UTC().Format(time.RFC3339)
				l := domain.Lab{ID: id, Name: id, CreatedAt: now}
				if name != "" {
					l.Name = name
				}
				cfg := config.Default(id)
				cfg.Lab.Name = l.Name
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertLab(ctx, tx, l); err != nil {
					return err
				}
				if err := r.UpsertLabConfigTx(ctx, tx, id, cfg); err != nil {
					return err
				}
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := r.UpsertMembership(ctx, tx, domain.Membership{
					LabID: id, ActorID: actor, Role: "admin", CreatedAt: now,
				}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "lab id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func labShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLab(ctx, e.Config.Lab.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func labUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current lab for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labID := strings.TrimSpace(args[0])
			if labID == "" {
				return fmt.Errorf("lab id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STUDYGATE_LAB", labID); err != nil {
				return err
			}
			fmt.Printf("Set STUDYGATE_LAB=%s in %s/.env\n", labID, workspace)
			return nil
		},
	}
	return cmd
}

func labConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage lab config",
	}
	cfg.AddCommand(labConfigShowCmd())
	cfg.AddCommand(labConfigImportCmd())
	return cfg
}

func labConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show lab config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func labConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import lab config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			labID := cfg.Lab.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if labID == "" {
					labID = e.Config.Lab.ID
				}
				if err := e.Repo.UpsertLabConfig(ctx, labID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{
		Use:   "member",
		Short: "Manage lab memberships",
		Long:  "Memberships bind an actor to a lab with a role: read, researcher, manager, or admin. The role decides which transitions the actor may trigger.",
	}
	member.AddCommand(memberListCmd())
	member.AddCommand(memberGrantCmd())
	member.AddCommand(memberRevokeCmd())
	return member
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lab members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Lab.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Since"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ActorID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant or change a member role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				m := domain.Membership{LabID: e.Config.Lab.ID, ActorID: actor, Role: role, CreatedAt: now}
				if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", fmt.Sprintf("role (%s)", strings.Join(rank.MembershipRoles(), ", ")))
	return cmd
}

func memberRevokeCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a member role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.DeleteMembership(ctx, tx, e.Config.Lab.ID, actor); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	return cmd
}

func grantCmd() *cobra.Command {
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Manage workspace-wide grants",
		Long:  "Global grants apply across every lab. Granting full makes an operator that passes every rank check.",
	}
	grant.AddCommand(grantSetCmd())
	grant.AddCommand(grantRevokeCmd())
	return grant
}

func grantSetCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Grant a workspace-wide role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := r.UpsertGlobalGrant(ctx, tx, actor, role, now); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "full", "role (read, researcher, manager, admin, full)")
	return cmd
}

func grantRevokeCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a workspace-wide role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.DeleteGlobalGrant(ctx, tx, actor); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	return cmd
}

func studyCmd() *cobra.Command {
	study := &cobra.Command{
		Use:   "study",
		Short: "Manage studies",
		Long:  "Studies move through created -> submitted -> approved -> active with pauses and rejections along the way. Use the trigger subcommands to attempt transitions; each success appends one audit entry.",
	}
	study.AddCommand(studyCreateCmd())
	study.AddCommand(studyListCmd())
	study.AddCommand(studyShowCmd())
	study.AddCommand(studyLogCmd())
	study.AddCommand(studyTransitionsCmd())
	for _, tr := range workflow.Default().Transitions() {
		study.AddCommand(studyTriggerCmd(tr))
	}
	return study
}

func studyCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStudy(ctx, engine.CreateStudyOptions{
					ID:          id,
					LabID:       e.Config.Lab.ID,
					Title:       title,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "study id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func studyListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStudies(ctx, repo.StudyFilters{
					LabID: e.Config.Lab.ID,
					State: state,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Version", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.State, s.Version, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func studyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStudy(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func studyLogCmd() *cobra.Command {
	var afterSeq int64
	var limit int
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show a study's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.History(ctx, id, afterSeq, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Trigger", "From", "To", "Actor", "Rank", "At"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.Seq, en.Trigger, en.FromState, en.ToState, en.ActorID, en.ActorRank, en.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "resume after this sequence number")
	cmd.Flags().IntVar(&limit, "n", 50, "number of entries")
	return cmd
}

func studyTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <id>",
		Short: "Transitions legal from the study's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				offers, err := e.AllowedTransitions(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(offers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Trigger", "Destination", "Requires", "Declarations", "Permitted"})
				for _, o := range offers {
					tw.AppendRow(table.Row{o.Trigger, o.Destination, o.RequiredRank, strings.Join(o.Declarations, ","), o.Permitted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// studyTriggerCmd makes one subcommand per trigger in the transition table, so
// the CLI surface always matches the workflow.
func studyTriggerCmd(tr workflow.Transition) *cobra.Command {
	var comments string
	var declare []string
	var expectedVersion int64
	trigger := tr.Trigger
	sources := make([]string, 0, len(tr.Sources))
	for _, s := range tr.Sources {
		sources = append(sources, string(s))
	}
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <id>", trigger),
		Short: fmt.Sprintf("Move a study from %s to %s", strings.Join(sources, "/"), tr.Destination),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			decls, err := parseDeclarations(declare)
			if err != nil {
				return err
			}
			opts := engine.AttemptOptions{
				StudyID:      id,
				Trigger:      trigger,
				ActorID:      viper.GetString("actor-id"),
				Comments:     comments,
				Declarations: decls,
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Attempt(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "comments for the audit entry")
	cmd.Flags().StringArrayVar(&declare, "declare", []string{}, "declaration field as key=value (repeatable)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail unless the study version matches")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lab status",
		Long:  "A scoreboard for the lab: how many studies sit in each lifecycle state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				labID := e.Config.Lab.ID
				l, err := e.Repo.GetLab(ctx, labID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountStudiesByState(ctx, labID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"lab_id":       l.ID,
					"lab_name":     l.Name,
					"study_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Lab: %s (%s)\n", l.ID, l.Name)
				fmt.Println("Studies:")
				for _, state := range workflow.States() {
					if c := counts[string(state)]; c > 0 {
						fmt.Printf("  %s: %d\n", state, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect the transition table"}
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowGraphCmd())
	return wf
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the transition table with config overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Workflow.Transitions())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Trigger", "Sources", "Destination", "Requires", "Declarations", "Guard"})
				for _, tr := range e.Workflow.Transitions() {
					sources := make([]string, 0, len(tr.Sources))
					for _, s := range tr.Sources {
						sources = append(sources, string(s))
					}
					tw.AppendRow(table.Row{
						tr.Trigger,
						strings.Join(sources, ","),
						tr.Destination,
						tr.RequiredRank.String(),
						strings.Join(tr.Declarations, ","),
						tr.Guard,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the workflow as Graphviz DOT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println(e.Workflow.Graph())
				return nil
			})
		},
	}
	return cmd
}

func buildCmd() *cobra.Command {
	build := &cobra.Command{
		Use:   "build",
		Short: "Inspect and update build jobs",
		Long:  "Approving a study queues a build of its artifact. The activate guard requires the latest build to be published.",
	}
	build.AddCommand(buildListCmd())
	build.AddCommand(buildSetStatusCmd())
	return build
}

func buildListCmd() *cobra.Command {
	var studyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build jobs for a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			if studyID == "" {
				return fmt.Errorf("--study required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListBuilds(ctx, studyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&studyID, "study", "", "study id")
	return cmd
}

func buildSetStatusCmd() *cobra.Command {
	var status, detail string
	cmd := &cobra.Command{
		Use:   "set-status <job_id>",
		Short: "Report a build result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var completedAt *string
				if status == "published" || status == "failed" {
					now := time.Now().UTC().Format(time.RFC3339)
					completedAt = &now
				}
				if err := r.UpdateBuildStatus(ctx, jobID, status, detail, completedAt); err != nil {
					return err
				}
				job, err := r.GetBuildJob(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (building, published, failed)")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveLabAndConfig(cmd.Context(), viper.GetString("lab"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			d := dispatch.New(conn, cfg)
			e.Effects = d
			d.Start()
			defer d.Stop()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STUDYGATE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STUDYGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Studygate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (deprecated)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveLabAndConfig(ctx, viper.GetString("lab"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// parseDeclarations turns key=value flags into a payload map. Bare keys and
// the literal true/false become booleans so checklist fields work naturally.
func parseDeclarations(in []string) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	decls := make(map[string]any, len(in))
	for _, raw := range in {
		key, value, found := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid declaration %q", raw)
		}
		if !found {
			decls[key] = true
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true":
			decls[key] = true
		case "false":
			decls[key] = false
		default:
			decls[key] = value
		}
	}
	return decls, nil
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
