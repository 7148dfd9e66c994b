package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"marketline/internal/app"
	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/events"
	"marketline/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Marketline CLI",
	Long: `Marketline is a task marketplace. Requesters post tasks with a price range,
workers accept them, and payment moves through escrow on the ledger.
- Workspace: the .marketline directory holding the database and image blobs; marketline.yml sits beside it.
- Task: unassigned -> accepted -> completed, or canceled. max_price is escrowed when a task is posted.
- Completion pays the worker the evaluated amount and refunds the rest to the requester.
- Sweeper: expires tasks whose match or completion window elapsed and refunds their escrow.
- Acting user: most commands act as --as (or MARKETLINE_AS).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("MARKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "acting user id")
	flags.String("log-level", "", "log level (debug, info, warn, error); overrides marketline.yml")
	flags.String("log-format", "", "log format (text, json); overrides marketline.yml")
	for _, name := range []string{"workspace", "json", "as", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, config file and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := migrate.Current(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database %s at schema version %d\n", db.Path(workspace), version)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect marketline.yml"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
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
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate marketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userRegisterCmd())
	usr.AddCommand(userShowCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userProfileCmd())
	usr.AddCommand(userBlockCmd(true))
	usr.AddCommand(userBlockCmd(false))
	usr.AddCommand(userBanCmd(true))
	usr.AddCommand(userBanCmd(false))
	return usr
}

func userRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.RegisterUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated if empty)")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.LedgerAccount, "ledger-account", "", "ledger account (defaults to the id)")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a user (defaults to --as)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id := viper.GetString("as")
				if len(args) == 1 {
					id = args[0]
				}
				if id == "" {
					return errors.New("user id or --as required")
				}
				u, err := a.Engine.GetUser(ctx, id)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Ledger account", "Min price", "Min duration", "Banned", "Joined")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.DisplayName, u.LedgerAccount, humanize.Comma(u.MinTaskPrice), u.MinTaskDuration, u.Banned, humanize.Time(u.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userProfileCmd() *cobra.Command {
	var (
		name, account string
		minPrice      int64
		minDuration   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the acting user's profile and task floors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				var patch engine.ProfilePatch
				if cmd.Flags().Changed("name") {
					patch.DisplayName = &name
				}
				if cmd.Flags().Changed("ledger-account") {
					patch.LedgerAccount = &account
				}
				if cmd.Flags().Changed("min-price") {
					patch.MinTaskPrice = &minPrice
				}
				if cmd.Flags().Changed("min-duration") {
					patch.MinTaskDuration = &minDuration
				}
				u, err := a.Engine.UpdateProfile(ctx, me, patch)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&account, "ledger-account", "", "ledger account")
	cmd.Flags().Int64Var(&minPrice, "min-price", 0, "lowest min_price you will accept")
	cmd.Flags().DurationVar(&minDuration, "min-duration", 0, "shortest completion window you will accept")
	return cmd
}

func userBlockCmd(block bool) *cobra.Command {
	use, short := "block <user-id>", "Block a user"
	if !block {
		use, short = "unblock <user-id>", "Unblock a user"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				var (
					u   domain.User
					err error
				)
				if block {
					u, err = a.Engine.BlockUser(ctx, me, args[0])
				} else {
					u, err = a.Engine.UnblockUser(ctx, me, args[0])
				}
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userBanCmd(ban bool) *cobra.Command {
	use, short := "ban <user-id>", "Ban a user from posting and accepting tasks"
	if !ban {
		use, short = "unban <user-id>", "Lift a ban"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("as")
				if actor == "" {
					actor = domain.SystemActor
				}
				u, err := a.Engine.SetBanned(ctx, args[0], ban, actor)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys of the acting user"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, me, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "name": key.Name, "secret": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				items, err := a.Engine.ListAPIKeys(ctx, me)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				if _, err := a.Engine.RevokeAPIKey(ctx, me, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Post, browse and work tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskTransitionCmd("accept", "Accept an unassigned task", func(e engine.Engine) transition { return e.AcceptTask }))
	t.AddCommand(taskTransitionCmd("cancel", "Cancel an accepted task and refund escrow", func(e engine.Engine) transition { return e.CancelTask }))
	t.AddCommand(taskTransitionCmd("complete", "Complete an accepted task and get paid", func(e engine.Engine) transition { return e.CompleteTask }))
	t.AddCommand(taskExpireCmd())
	t.AddCommand(taskSettleCmd())
	return t
}

type transition func(context.Context, string, domain.User) (domain.Task, error)

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task; max price is escrowed immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				opts.Requester = me
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "what needs doing")
	cmd.Flags().Int64Var(&opts.MinPrice, "min-price", 0, "lowest payment")
	cmd.Flags().Int64Var(&opts.MaxPrice, "max-price", 0, "highest payment, escrowed up front")
	cmd.Flags().DurationVar(&opts.MatchExpiration, "match-expiration", 0, "how long the task may wait for a worker (0 uses config)")
	cmd.Flags().DurationVar(&opts.CompletionExpiration, "completion-expiration", 0, "how long a worker has after accepting (0 uses config)")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("max-price")
	return cmd
}

func taskListCmd() *cobra.Command {
	var (
		q           engine.TaskQuery
		status      string
		skip, limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				q.Status = domain.Status(status)
				tasks, err := a.Engine.ListAvailableTasks(ctx, q, me, skip, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Status", "Price", "Escrowed", "Requester", "Executor", "Posted", "Description")
				for _, t := range tasks {
					executor := ""
					if t.ExecutedBy != nil {
						executor = *t.ExecutedBy
					}
					tw.AppendRow(table.Row{
						t.ID, t.Status(),
						humanize.Comma(t.MinPrice) + "-" + humanize.Comma(t.MaxPrice),
						humanize.Comma(t.AmountEscrowed),
						t.RequestedBy, executor,
						humanize.Time(t.SubmittedAt),
						truncate(t.Description, 40),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "unassigned, accepted, completed or canceled")
	cmd.Flags().StringVar(&q.RequestedBy, "requested-by", "", "requester filter")
	cmd.Flags().StringVar(&q.ExecutedBy, "executed-by", "", "executor filter")
	cmd.Flags().IntVar(&skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 uses config)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				t, err := a.Engine.GetTask(ctx, args[0], me)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskTransitionCmd(verb, short string, pick func(engine.Engine) transition) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				t, err := pick(a.Engine)(ctx, args[0], me)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskExpireCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "expire <task-id>",
		Short: "Expire an overdue task now instead of waiting for the sweeper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ExpireTask(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the event")
	return cmd
}

func taskSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <task-id>",
		Short: "Retry the remainder refund of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				refunded, err := a.Engine.SettleResidualEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("refunded %s\n", humanize.Comma(refunded))
				return nil
			})
		},
	}
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{Use: "message", Short: "Talk on an accepted task"}
	var text, image string
	add := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Send a text or image message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content engine.MessageContent
			switch {
			case text != "" && image != "":
				return errors.New("use --text or --image, not both")
			case text != "":
				content.Text = &text
			case image != "":
				data, err := os.ReadFile(image)
				if err != nil {
					return err
				}
				content.Image = data
			default:
				return errors.New("--text or --image required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				m, err := a.Engine.AddMessage(ctx, args[0], me, content)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	add.Flags().StringVar(&text, "text", "", "message text")
	add.Flags().StringVar(&image, "image", "", "path to an image file")

	var start int
	var end string
	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List messages[start:end]",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var endPtr *int
			if end != "" {
				n, err := strconv.Atoi(end)
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				endPtr = &n
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, me domain.User) error {
				items, err := a.Engine.ListMessages(ctx, args[0], me, start, endPtr)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "From", "When", "Content")
				for i, m := range items {
					content := ""
					switch {
					case m.Text != nil:
						content = truncate(*m.Text, 60)
					case m.ImageRef != nil:
						content = "[image " + *m.ImageRef + "]"
					}
					tw.AppendRow(table.Row{start + i, m.SenderID, humanize.Time(m.CreatedAt), content})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&start, "start", 0, "first index")
	list.Flags().StringVar(&end, "end", "", "index after the last message (empty reads to the end)")
	msg.AddCommand(add, list)
	return msg
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Inspect and fund the local ledger"}
	grant := &cobra.Command{
		Use:   "grant <account> <amount>",
		Short: "Credit an account from outside the marketplace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withLocalLedger(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if res := a.Local.Grant(ctx, args[0], amount); !res.IsOk() {
					return fmt.Errorf("grant: %s", res.Reason())
				}
				return printBalance(ctx, a, args[0])
			})
		},
	}
	balance := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalLedger(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printBalance(ctx, a, args[0])
			})
		},
	}
	var limit int
	transfers := &cobra.Command{
		Use:   "transfers <account>",
		Short: "List transfers touching an account, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalLedger(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Local.Transfers(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("When", "Kind", "From", "To", "Amount")
				for _, t := range items {
					tw.AppendRow(table.Row{humanize.Time(t.At), t.Kind, t.From, t.To, humanize.Comma(t.Amount)})
				}
				tw.Render()
				return nil
			})
		},
	}
	transfers.Flags().IntVar(&limit, "limit", 50, "max rows")
	l.AddCommand(grant, balance, transfers)
	return l
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Println(rep.String())
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var (
		n          int
		after      int64
		entityKind string
		entityID   string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show events in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := events.List(ctx, a.DB, events.Filter{EntityKind: entityKind, EntityID: entityID, AfterID: after, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, truncate(evt.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 50, "number of events")
	tail.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "task or user")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") {
					a.Config.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					a.Config.Server.BasePath = basePath
				}
				if a.JWTSecret() == "" {
					a.Logger.Warn("jwt secret not set; bearer auth disabled, only API keys work", "env", a.Config.Auth.JWTSecretEnv)
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				if a.Config.Sweeper.Enabled && !noSweeper {
					if err := a.Sweeper.Start(ctx, a.Config.Sweeper.Schedule); err != nil {
						return err
					}
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving marketline API", "addr", a.Config.Server.Addr, "base_path", a.Config.Server.BasePath, "docs", "/docs")
				err = srv.ListenAndServe()
				// the database closes after this returns; let an in-flight sweep finish first
				if a.Sweeper != nil {
					a.Sweeper.Stop()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the expiry sweeper")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	if v := viper.GetString("log-format"); v != "" {
		format = v
	}
	a, err := app.Open(ctx, workspace, app.NewLogger(os.Stderr, level, format))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withActor(ctx context.Context, fn func(context.Context, *app.App, domain.User) error) error {
	id := viper.GetString("as")
	if id == "" {
		return errors.New("--as (or MARKETLINE_AS) required")
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		me, err := a.Engine.GetUser(ctx, id)
		if err != nil {
			return fmt.Errorf("acting user %s: %w", id, err)
		}
		return fn(ctx, a, me)
	})
}

func withLocalLedger(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Local == nil {
			return fmt.Errorf("ledger driver %q keeps no local books", a.Config.Ledger.Driver)
		}
		return fn(ctx, a)
	})
}

func printBalance(ctx context.Context, a *app.App, account string) error {
	bal, err := a.Local.Balance(ctx, account)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"account": account, "balance": bal})
	}
	fmt.Printf("%s: %s\n", account, humanize.Comma(bal))
	return nil
}

func printUser(u domain.User) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	tw := newTable("Field", "Value")
	tw.AppendRows([]table.Row{
		{"id", u.ID},
		{"name", u.DisplayName},
		{"ledger account", u.LedgerAccount},
		{"banned", u.Banned},
		{"blocked", strings.Join(u.BlockedUserIDs, ", ")},
		{"min task price", humanize.Comma(u.MinTaskPrice)},
		{"min task duration", u.MinTaskDuration},
		{"joined", humanize.Time(u.CreatedAt)},
	})
	tw.Render()
	return nil
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	executor := "-"
	if t.ExecutedBy != nil {
		executor = *t.ExecutedBy
	}
	tw := newTable("Field", "Value")
	tw.AppendRows([]table.Row{
		{"id", t.ID},
		{"status", t.Status()},
		{"description", t.Description},
		{"price", humanize.Comma(t.MinPrice) + " - " + humanize.Comma(t.MaxPrice)},
		{"requested by", t.RequestedBy},
		{"executed by", executor},
		{"escrowed", humanize.Comma(t.AmountEscrowed)},
		{"paid", humanize.Comma(t.AmountPaid)},
		{"posted", humanize.Time(t.SubmittedAt)},
	})
	if d, ok := t.MatchDeadline(); ok && t.Status() == domain.StatusUnassigned {
		tw.AppendRow(table.Row{"match deadline", humanize.Time(d)})
	}
	if d, ok := t.CompletionDeadline(); ok && t.Status() == domain.StatusAccepted {
		tw.AppendRow(table.Row{"completion deadline", humanize.Time(d)})
	}
	tw.Render()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
