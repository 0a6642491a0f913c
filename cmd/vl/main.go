package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"visaline/internal/adapter"
	"visaline/internal/app"
	"visaline/internal/cache"
	"visaline/internal/config"
	"visaline/internal/db"
	"visaline/internal/dispatch"
	"visaline/internal/domain"
	"visaline/internal/engine"
	"visaline/internal/feed"
	"visaline/internal/migrate"
	"visaline/internal/poll"
	"visaline/internal/repo"
	"visaline/internal/server"
	visalinesdk "visaline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Visaline CLI",
	Long: `Visaline runs an immigration-services marketplace: clients post service
requests, agents and organizations answer with proposals, and accepting a
proposal opens a case that tracks the engagement to completion.
Core concepts:
- Workspace: your .visaline directory holding the database; marketplace
  config is stored in the DB and imported explicitly.
- Request: a client's ask (visa type, target country, budget, timeline);
  open -> pending-review -> fulfilled, or cancelled.
- Proposal: an agent's offer on a request; pending -> accepted / rejected /
  withdrawn / counter-offered. Accepting one rejects the rest and opens a
  case in the same step.
- Case: the engagement created by acceptance, with progress and milestones.
- Activity: the marketplace diary, view with 'vl activity tail'.
Remote mode: point --api-url at a running server to browse and act against
it instead of the local workspace.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("api-url") != "" {
			return nil
		}
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
	viper.SetEnvPrefix("VISALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("marketplace", "", "marketplace id (overrides config default)")
	rootCmd.PersistentFlags().String("api-url", "", "remote API base URL (switches to remote mode)")
	rootCmd.PersistentFlags().String("api-key", "", "API key for remote mode")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote mode")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("marketplace", rootCmd.PersistentFlags().Lookup("marketplace"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(marketplaceCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(browseCmd())
	rootCmd.AddCommand(serveCmd())
}

func marketplaceCmd() *cobra.Command {
	mk := &cobra.Command{Use: "marketplace", Short: "Manage marketplaces"}
	mk.AddCommand(marketplaceInitCmd())
	mk.AddCommand(marketplaceUseCmd())
	mk.AddCommand(marketplaceConfigCmd())
	return mk
}

func marketplaceInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a marketplace with the default catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			out, err := e.InitMarketplace(cmd.Context(), id, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(out)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "marketplace id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func marketplaceUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current marketplace for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			marketplaceID := strings.TrimSpace(args[0])
			if marketplaceID == "" {
				return fmt.Errorf("marketplace id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "VISALINE_MARKETPLACE", marketplaceID); err != nil {
				return err
			}
			fmt.Printf("Set VISALINE_MARKETPLACE=%s in %s/.env\n", marketplaceID, workspace)
			return nil
		},
	}
	return cmd
}

func marketplaceConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage marketplace config"}
	cfg.AddCommand(marketplaceConfigShowCmd())
	cfg.AddCommand(marketplaceConfigImportCmd())
	cfg.AddCommand(marketplaceConfigValidateCmd())
	return cfg
}

func marketplaceConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show marketplace config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func marketplaceConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import marketplace config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			marketplaceID := cfg.Marketplace.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if marketplaceID == "" {
					marketplaceID = e.Config.Marketplace.ID
				}
				if err := e.Repo.UpsertMarketplaceConfig(ctx, nil, marketplaceID, cfg); err != nil {
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

func marketplaceConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage service requests",
		Long:  "Requests are client asks: a visa type, a target country, an optional budget range and timeline. They collect proposals until one is accepted or the request is cancelled.",
	}
	req.AddCommand(requestPostCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestGetCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestStatusCmd())
	return req
}

func requestPostCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ServiceType, "service-type", "", "service type from the catalog")
	cmd.Flags().StringVar(&opts.TargetCountry, "country", "", "target country")
	cmd.Flags().StringVar(&opts.BudgetRange, "budget-range", "", "budget range from the catalog")
	cmd.Flags().StringVar(&opts.TimelineBucket, "timeline", "", "timeline bucket from the catalog")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("service-type")
	_ = cmd.MarkFlagRequired("country")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Service", "Country", "Status", "Owner"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.ServiceType, r.TargetCountry, r.Status, r.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ServiceType, "service-type", "", "service type filter")
	cmd.Flags().StringVar(&f.TargetCountry, "country", "", "country filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func requestGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Repo.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				r, err := d.CancelRequest(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CancelRequest(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a request with its proposal counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Repo.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountProposalsByStatus(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{
					"request":         r,
					"proposal_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Request: %s (%s)\n", r.ID, r.Status)
				fmt.Printf("Title: %s\n", r.Title)
				fmt.Println("Proposals:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals are offers on open requests. The request owner accepts, declines, or counters them; accepting one closes the request and opens a case.",
	}
	prop.AddCommand(proposalSubmitCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalGetCmd())
	prop.AddCommand(proposalAcceptCmd())
	prop.AddCommand(proposalDeclineCmd())
	prop.AddCommand(proposalWithdrawCmd())
	prop.AddCommand(proposalCounterCmd())
	return prop
}

func proposalSubmitCmd() *cobra.Command {
	var opts engine.ProposalSubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal on a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SubmitterID = viper.GetString("actor-id")
			opts.BudgetUnset = !cmd.Flags().Changed("budget")
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				p, err := d.SubmitProposal(cmd.Context(), dispatch.SubmitProposalInput{
					RequestID:        opts.RequestID,
					ProposedBudget:   opts.ProposedBudget,
					ProposedTimeline: opts.ProposedTimeline,
					CoverLetter:      opts.CoverLetter,
					ProposalText:     opts.ProposalText,
					SubmitterName:    opts.SubmitterName,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proposal id (optional)")
	cmd.Flags().StringVar(&opts.RequestID, "request", "", "request id")
	cmd.Flags().StringVar(&opts.SubmitterName, "name", "", "submitter display name")
	cmd.Flags().Float64Var(&opts.ProposedBudget, "budget", 0, "proposed budget")
	cmd.Flags().StringVar(&opts.ProposedTimeline, "timeline", "", "proposed timeline")
	cmd.Flags().StringVar(&opts.CoverLetter, "cover-letter", "", "cover letter")
	cmd.Flags().StringVar(&opts.ProposalText, "text", "", "proposal text")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Request", "Submitter", "Budget", "Timeline", "Status"})
				for _, p := range items {
					budget := fmt.Sprintf("%.2f", p.ProposedBudget)
					if p.BudgetUnset {
						budget = "-"
					}
					tw.AppendRow(table.Row{p.ID, p.RequestID, p.SubmitterName, budget, p.ProposedTimeline, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.SubmitterID, "submitter", "", "submitter filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func proposalGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a proposal and open its case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				out, err := d.Accept(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, c, err := e.AcceptProposal(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"proposal": p, "case": c})
			})
		},
	}
	return cmd
}

func proposalDeclineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				p, err := d.Decline(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.DeclineProposal(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a proposal you submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				p, err := d.Withdraw(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.WithdrawProposal(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalCounterCmd() *cobra.Command {
	var budget float64
	var timeline, note string
	cmd := &cobra.Command{
		Use:   "counter <id>",
		Short: "Counter a pending proposal with new terms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if url := viper.GetString("api-url"); url != "" {
				d := newDispatcher(url)
				p, err := d.Counter(cmd.Context(), dispatch.CounterInput{
					ProposalID:       id,
					ProposedBudget:   budget,
					ProposedTimeline: timeline,
					Note:             note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CounterProposal(ctx, engine.CounterOptions{
					ProposalID:       id,
					ActorID:          viper.GetString("actor-id"),
					ProposedBudget:   budget,
					ProposedTimeline: timeline,
					Note:             note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "countered budget")
	cmd.Flags().StringVar(&timeline, "timeline", "", "countered timeline")
	cmd.Flags().StringVar(&note, "note", "", "note to the submitter")
	return cmd
}

func caseCmd() *cobra.Command {
	cs := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases are opened by acceptance and track the engagement: a progress percentage and the milestone checklist from the marketplace config.",
	}
	cs.AddCommand(caseListCmd())
	cs.AddCommand(caseGetCmd())
	cs.AddCommand(caseUpdateCmd())
	return cs
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Request", "Proposal", "Assignee", "Progress"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.RequestID, c.ProposalID, c.AssigneeID, fmt.Sprintf("%d%%", c.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func caseGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseUpdateCmd() *cobra.Command {
	var progress int
	var done []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update case progress and milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CaseProgressOptions{
				CaseID:         args[0],
				ActorID:        viper.GetString("actor-id"),
				MilestonesDone: done,
			}
			if cmd.Flags().Changed("progress") {
				opts.Progress = &progress
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCaseProgress(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage (0-100)")
	cmd.Flags().StringArrayVar(&done, "done", []string{}, "milestone name to mark done (repeatable)")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Activity feed",
		Long:  "The marketplace diary: request posts, proposal moves, case openings. Tail it locally or watch a remote server.",
	}
	act.AddCommand(activityTailCmd())
	act.AddCommand(activityReadCmd())
	act.AddCommand(activityWatchCmd())
	return act
}

func activityTailCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderActivityTable(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Type, "type", "", "entry type filter")
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func activityReadCmd() *cobra.Command {
	var upTo int64
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Mark activity entries read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if upTo == 0 {
					latest, err := e.Repo.LatestActivityID(ctx)
					if err != nil {
						return err
					}
					upTo = latest
				}
				return e.Repo.MarkActivityRead(ctx, upTo)
			})
		},
	}
	cmd.Flags().Int64Var(&upTo, "up-to", 0, "highest entry id to mark (defaults to all)")
	return cmd
}

// activityWatchCmd polls a remote server's activity tail and prints new
// entries as they land. Duplicate deliveries from overlapping polls are
// collapsed before printing.
func activityWatchCmd() *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a remote activity feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := viper.GetString("api-url")
			if url == "" {
				return fmt.Errorf("--api-url required for watch")
			}
			client := newSDKClient(url)
			f := feed.New()
			fetch := func(ctx context.Context) (any, error) {
				page, err := client.ActivityAfter(ctx, f.Cursor(), 100)
				if err != nil {
					return nil, err
				}
				var batch []domain.ActivityEntry
				for _, raw := range page.Items {
					var e domain.ActivityEntry
					if err := json.Unmarshal(raw, &e); err != nil {
						continue
					}
					batch = append(batch, e)
				}
				return batch, nil
			}
			apply := func(snapshot any) {
				batch := snapshot.([]domain.ActivityEntry)
				for _, e := range f.Ingest(batch) {
					fmt.Printf("%s  %-26s %s\n", e.Timestamp, e.Type, e.Summary)
				}
			}
			p := poll.New(time.Duration(interval)*time.Second, fetch, apply)
			p.OnError = func(err error) {
				fmt.Fprintln(os.Stderr, "poll:", err)
			}
			fmt.Printf("Watching %s (every %ds, Ctrl-C to stop)\n", url, interval)
			p.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 30, "poll interval in seconds")
	return cmd
}

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actors"}
	act.AddCommand(actorRegisterCmd())
	act.AddCommand(actorShowCmd())
	act.AddCommand(actorListCmd())
	return act
}

func actorRegisterCmd() *cobra.Command {
	var a domain.Actor
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ID == "" {
				a.ID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RegisterActor(ctx, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&a.Name, "name", "", "display name")
	cmd.Flags().StringVar(&a.Role, "role", "", "role (client, agent, organization)")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetActor(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyIssueCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyIssueCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.IssueAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"key": raw, "id": key.ID, "name": key.Name})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func browseCmd() *cobra.Command {
	br := &cobra.Command{
		Use:   "browse",
		Short: "Browse a remote marketplace",
		Long:  "Read-only views over a remote server. Live data when the server answers, the bundled demo snapshot when it does not; either way the view renders.",
	}
	br.AddCommand(browseRequestsCmd())
	br.AddCommand(browseProposalsCmd())
	return br
}

func browseRequestsCmd() *cobra.Command {
	var status, owner string
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Browse requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sharedStore()
			if err != nil {
				return err
			}
			res := store.Requests(cmd.Context(), adapter.Filter{Status: status, OwnerID: owner})
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Origin == adapter.OriginFallback {
				fmt.Println("(offline: showing bundled demo data)")
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Title", "Service", "Country", "Status"})
			for _, r := range res.Items {
				tw.AppendRow(table.Row{r.ID, r.Title, r.ServiceType, r.TargetCountry, r.Status})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	return cmd
}

func browseProposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals <request-id>",
		Short: "Browse proposals on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sharedStore()
			if err != nil {
				return err
			}
			res := store.Proposals(cmd.Context(), args[0])
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Origin == adapter.OriginFallback {
				fmt.Println("(offline: showing bundled demo data)")
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Submitter", "Budget", "Timeline", "Status"})
			for _, p := range res.Items {
				budget := fmt.Sprintf("%.2f", p.ProposedBudget)
				if p.BudgetUnset {
					budget = "-"
				}
				tw.AppendRow(table.Row{p.ID, p.SubmitterName, budget, p.ProposedTimeline, p.Status})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMarketplaceAndConfig(cmd.Context(), viper.GetString("marketplace"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VISALINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VISALINE_JWT_SECRET is required for bearer auth")
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
			schema, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Serving Visaline API on http://%s%s (schema v%d, OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath, schema)
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
	_, cfg, err := app.ResolveMarketplaceAndConfig(ctx, viper.GetString("marketplace"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func newSDKClient(url string) *visalinesdk.Client {
	client := visalinesdk.New(url)
	client.APIKey = viper.GetString("api-key")
	client.BearerToken = viper.GetString("token")
	return client
}

func newDispatcher(url string) *dispatch.Dispatcher {
	// Mutations go through the same store the read commands consult, so a
	// landed action invalidates what browse would otherwise serve stale.
	store, err := sharedStore()
	if err != nil {
		store = nil
	}
	return dispatch.New(newSDKClient(url), store)
}

var (
	storeOnce sync.Once
	storeInst *cache.Store
	storeErr  error
)

// sharedStore hands every command the one per-process cache.
func sharedStore() (*cache.Store, error) {
	storeOnce.Do(func() {
		url := viper.GetString("api-url")
		var client *visalinesdk.Client
		if url != "" {
			client = newSDKClient(url)
		}
		a := adapter.New(client, log.New(os.Stderr, "", log.LstdFlags))
		storeInst, storeErr = cache.New(a)
	})
	return storeInst, storeErr
}

func renderActivityTable(items []domain.ActivityEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Summary"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.Timestamp, e.Type, e.ActorID, e.Summary})
	}
	tw.Render()
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
