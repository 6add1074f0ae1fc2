package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/migrate"
	"pactline/internal/repo"
	"pactline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "Pactline CLI",
	Long: `Pactline manages performance contracts between a district authority and
its communes: deliverable catalogs, target calculation from partner baselines,
signature workflows, and reviewed reconfiguration of signed contracts.

Core concepts:
- Indicator: a measurable rate (e.g. vaccination coverage) with a standard
  baseline, a standard target, and ordered calculation rules.
- Contract type: an archetype (1-5) defining which deliverables a contract
  carries. Types 4 and 5 use fixed option catalogs with pre-resolved targets;
  the others derive targets from the partner's own baseline.
- Selection: the partner's chosen option for one deliverable. Configuration
  always replaces the full set atomically.
- Reconfiguration: signed contracts are locked; changing selections requires a
  reviewed and approved request, each approval good for exactly one change.`,
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
	viper.SetEnvPrefix("PACTLINE")
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
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(reconfigCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(serveCmd())
}

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "target", Short: "Target calculation"}
	cmd.AddCommand(targetCalcCmd())
	cmd.AddCommand(targetIndicatorsCmd())
	return cmd
}

func targetCalcCmd() *cobra.Command {
	var indicator string
	var baseline float64
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Calculate a target from a partner baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				calc, err := e.CalculateTarget(indicator, baseline)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(calc)
				}
				fmt.Printf("%s: baseline %.2f%% -> target %.2f%% (%s)\n", calc.IndicatorCode, calc.PartnerBaseline, calc.CalculatedTarget, calc.Direction)
				fmt.Println(calc.Explanation)
				fmt.Println("rule:", calc.RuleApplied)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&indicator, "indicator", "", "indicator code")
	cmd.Flags().Float64Var(&baseline, "baseline", 0, "partner baseline percentage")
	_ = cmd.MarkFlagRequired("indicator")
	_ = cmd.MarkFlagRequired("baseline")
	return cmd
}

func targetIndicatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indicators",
		Short: "List configured indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				codes := e.Catalog.IndicatorCodes()
				if viper.GetBool("json") {
					return printJSON(codes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Baseline", "Target", "Rules"})
				for _, code := range codes {
					ind, _ := e.Catalog.Indicator(code)
					tw.AppendRow(table.Row{ind.Code, ind.Name, ind.BaselinePercentage, ind.TargetPercentage, len(ind.Rules)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	cmd.AddCommand(contractConfigureCmd())
	cmd.AddCommand(contractListCmd())
	cmd.AddCommand(contractShowCmd())
	cmd.AddCommand(contractSelectionsCmd())
	cmd.AddCommand(contractSignCmd())
	cmd.AddCommand(contractCompleteCmd())
	return cmd
}

// parseSelectSpec parses "deliverable:option[:baseline]". The third part is a
// percentage, or yes/no for binary deliverables.
func parseSelectSpec(spec string) (engine.SelectionInput, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return engine.SelectionInput{}, fmt.Errorf("invalid --select %q, want deliverable:option[:baseline]", spec)
	}
	d, err := strconv.Atoi(parts[0])
	if err != nil {
		return engine.SelectionInput{}, fmt.Errorf("invalid deliverable in %q", spec)
	}
	o, err := strconv.Atoi(parts[1])
	if err != nil {
		return engine.SelectionInput{}, fmt.Errorf("invalid option in %q", spec)
	}
	in := engine.SelectionInput{DeliverableNumber: d, OptionNumber: o}
	if len(parts) == 3 {
		if b, err := strconv.ParseFloat(parts[2], 64); err == nil {
			in.BaselinePercentage = &b
		} else {
			in.BaselineSource = parts[2]
		}
	}
	return in, nil
}

func contractConfigureCmd() *cobra.Command {
	var partner string
	var contractType int
	var file string
	var selects []string
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Replace a contract's deliverable selections",
		Long: `Materializes the partner's contract if needed and atomically replaces its
full selection set. Selections come from --file (JSON array) or repeated
--select deliverable:option[:baseline] flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var selections []engine.SelectionInput
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &selections); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			for _, spec := range selects {
				in, err := parseSelectSpec(spec)
				if err != nil {
					return err
				}
				selections = append(selections, in)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ConfigureSelections(ctx, engine.ConfigureOptions{
					PartnerID:    partner,
					ContractType: contractType,
					Selections:   selections,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("contract %s (%s) configured with %d selections\n", res.Contract.Number, res.Contract.ID, len(res.Selections))
				if res.ConsumedRequestID != "" {
					fmt.Println("consumed reconfiguration approval:", res.ConsumedRequestID)
				}
				renderIndicators(res.Indicators)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partner, "partner", "", "partner id")
	cmd.Flags().IntVar(&contractType, "type", 0, "contract type (1-5)")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with selections")
	cmd.Flags().StringArrayVar(&selects, "select", nil, "selection deliverable:option[:baseline]")
	_ = cmd.MarkFlagRequired("partner")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func contractListCmd() *cobra.Command {
	var partner, status string
	var contractType int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListContracts(ctx, repoContractFilters(partner, contractType, status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Partner", "Type", "Status", "Signed"})
				for _, c := range items {
					signed := ""
					if c.SignedAt != nil {
						signed = *c.SignedAt
					}
					tw.AppendRow(table.Row{c.ID, c.Number, c.PartnerID, c.ContractType, c.Status, signed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partner, "partner", "", "filter by partner id")
	cmd.Flags().IntVar(&contractType, "type", 0, "filter by contract type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func contractShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a contract with selections and targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetContract(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				c := detail.Contract
				fmt.Printf("%s  %s  partner=%s type=%d status=%s\n", c.ID, c.Number, c.PartnerID, c.ContractType, c.Status)
				fmt.Printf("Party A: %s   Party B: %s\n", c.PartyAName, c.PartyBName)
				renderSelections(detail.Selections)
				renderIndicators(detail.Indicators)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func contractSelectionsCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "selections",
		Short: "List a contract's selections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSelections(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderSelections(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func contractSignCmd() *cobra.Command {
	var id, partyB, signature string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Record Party B's signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SignContract(ctx, id, partyB, signature, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(c, fmt.Sprintf("contract %s signed", c.Number))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id")
	cmd.Flags().StringVar(&partyB, "party-b", "", "Party B name")
	cmd.Flags().StringVar(&signature, "signature", "", "signature reference")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func contractCompleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Close a signed contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CompleteContract(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(c, fmt.Sprintf("contract %s completed", c.Number))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contract id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func reconfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reconfig", Short: "Reconfiguration requests"}
	cmd.AddCommand(reconfigRequestCmd())
	cmd.AddCommand(reconfigListCmd())
	cmd.AddCommand(reconfigReviewCmd())
	return cmd
}

func reconfigRequestCmd() *cobra.Command {
	var partner, reason string
	var contractType int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request reconfiguration of a signed contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateReconfigurationRequest(ctx, partner, contractType, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(req, fmt.Sprintf("request %s pending review", req.ID))
			})
		},
	}
	cmd.Flags().StringVar(&partner, "partner", "", "partner id")
	cmd.Flags().IntVar(&contractType, "type", 0, "contract type")
	cmd.Flags().StringVar(&reason, "reason", "", "why selections must change")
	_ = cmd.MarkFlagRequired("partner")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func reconfigListCmd() *cobra.Command {
	var partner, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reconfiguration requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReconfigurationRequests(ctx, repoRequestFilters(partner, status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Partner", "Type", "Status", "Reason", "Consumed"})
				for _, r := range items {
					consumed := ""
					if r.ConsumedAt != nil {
						consumed = *r.ConsumedAt
					}
					tw.AppendRow(table.Row{r.ID, r.PartnerID, r.ContractType, r.Status, r.RequestReason, consumed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partner, "partner", "", "filter by partner id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func reconfigReviewCmd() *cobra.Command {
	var id, notes string
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Approve or reject a pending request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject required")
			}
			decision := "approve"
			if reject {
				decision = "reject"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ReviewReconfigurationRequest(ctx, id, decision, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrPlain(req, fmt.Sprintf("request %s %s", req.ID, req.Status))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the request")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes (required for reject)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Deliverable and indicator catalog"}
	cmd.AddCommand(catalogShowCmd())
	cmd.AddCommand(catalogImportCmd())
	cmd.AddCommand(catalogExportCmd())
	return cmd
}

func catalogShowCmd() *cobra.Command {
	var contractType int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the deliverable catalog of a contract type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deliverables, ok := e.Catalog.Deliverables(contractType)
				if !ok {
					return fmt.Errorf("contract type %d is not configured", contractType)
				}
				if viper.GetBool("json") {
					return printJSON(deliverables)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Deliverable", "Title", "Indicator", "Option", "Condition", "Baseline", "Target"})
				for _, d := range deliverables {
					for _, o := range d.Options {
						baseline, target := "", ""
						if o.Baseline != nil {
							baseline = fmt.Sprintf("%.1f", *o.Baseline)
						}
						if o.Target != nil {
							target = fmt.Sprintf("%.1f", *o.Target)
						}
						tw.AppendRow(table.Row{d.Number, d.Title, d.Indicator, o.Number, o.ConditionType, baseline, target})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&contractType, "type", 1, "contract type")
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import and validate a catalog YAML into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			dest := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			fmt.Println("catalog imported to", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the active catalog YAML (default template if none imported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Print(config.GenerateDefault())
					return nil
				}
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var contractID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEventsFrom(ctx, limit, 0, contractID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Contract", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ContractID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	cmd.Flags().StringVar(&contractID, "contract", "", "filter by contract id")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, actor, name, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Println("api key id:", key.ID)
				fmt.Println("key (shown once):", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&role, "role", "", "role to grant (partner, reviewer, admin)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "api key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Actor role management"}
	cmd.AddCommand(actorGrantCmd())
	cmd.AddCommand(actorRevokeCmd())
	return cmd
}

func actorGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, actor, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, actor, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("PACTLINE_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacy,
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("PACTLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for dev)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Pactline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrPlain(v any, plain string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(plain)
	return nil
}

func renderSelections(items []domain.Selection) {
	if len(items) == 0 {
		fmt.Println("no selections configured")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Deliverable", "Option", "Baseline", "Source", "Selected At"})
	for _, s := range items {
		baseline := ""
		if s.BaselinePercentage != nil {
			baseline = fmt.Sprintf("%.2f", *s.BaselinePercentage)
		}
		tw.AppendRow(table.Row{s.DeliverableNumber, s.OptionNumber, baseline, s.BaselineSource, s.SelectedAt})
	}
	tw.Render()
}

func renderIndicators(items []domain.ContractIndicator) {
	if len(items) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Indicator", "Baseline", "Target", "Target Date", "Rule"})
	for _, ci := range items {
		tw.AppendRow(table.Row{ci.IndicatorCode, ci.BaselinePercentage, ci.TargetPercentage, ci.TargetDate, ci.SelectedRule})
	}
	tw.Render()
}

func repoContractFilters(partner string, contractType int, status string) repo.ContractFilters {
	return repo.ContractFilters{PartnerID: partner, ContractType: contractType, Status: status}
}

func repoRequestFilters(partner, status string) repo.RequestFilters {
	return repo.RequestFilters{PartnerID: partner, Status: status}
}
