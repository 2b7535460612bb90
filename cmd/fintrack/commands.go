package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/dispatch"
	"fintrack/internal/services"
	"fintrack/internal/storage"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// errUsage is returned for malformed command lines; the usage text has already
// been written.
var errUsage = errors.New("invalid usage")

type app struct {
	repo     *storage.SQLiteRepository
	accounts *services.AccountService
	throttle dispatch.ThrottleConfig
	out      io.Writer
	now      func() time.Time
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "fintrack - personal finance tracker")
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintln(w, "  fintrack <command> <subcommand> [options]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  user add -email E [-name N]       Create a user")
	fmt.Fprintln(w, "  user list                         List users")
	fmt.Fprintln(w, "  account add -user U -name N       Create an account (first one is the default)")
	fmt.Fprintln(w, "  account list -user U              List a user's accounts")
	fmt.Fprintln(w, "  tx add -user U -amount A ...      Record a transaction (-recurring DAILY|WEEKLY|BIWEEKLY|MONTHLY|YEARLY)")
	fmt.Fprintln(w, "  budget set -user U -amount A      Set the monthly budget")
	fmt.Fprintln(w, "  process                           Materialize every due recurring transaction now")
	fmt.Fprintln(w, "  help                              Show this help message")
	fmt.Fprintln(w, "\nRun 'fintrack <command> <subcommand> -h' for the options of a command.")
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "-h" || arg == "--help"
}

func (a *app) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(a.out)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	sub := ""
	if len(rest) > 0 {
		sub, rest = rest[0], rest[1:]
	}

	switch cmd + " " + sub {
	case "user add":
		return a.userAdd(ctx, rest)
	case "user list":
		return a.userList(ctx)
	case "account add":
		return a.accountAdd(ctx, rest)
	case "account list":
		return a.accountList(ctx, rest)
	case "tx add":
		return a.txAdd(ctx, rest)
	case "budget set":
		return a.budgetSet(ctx, rest)
	}
	if cmd == "process" {
		return a.process(ctx, append([]string{sub}, rest...))
	}
	if isHelp(cmd) {
		printUsage(a.out)
		return nil
	}

	fmt.Fprintf(a.out, "Unknown command: %s\n\n", strings.TrimSpace(cmd+" "+sub))
	printUsage(a.out)
	return errUsage
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func required(fs *flag.FlagSet, values map[string]string) error {
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			fmt.Fprintf(fs.Output(), "-%s is required\n", name)
			fs.Usage()
			return errUsage
		}
	}
	return nil
}

func (a *app) userAdd(ctx context.Context, args []string) error {
	fs := a.flags("user add")
	email := fs.String("email", "", "email address")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := required(fs, map[string]string{"email": *email}); err != nil {
		return err
	}

	u, err := a.accounts.CreateUser(ctx, *email, *name)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, u.ID)
	return nil
}

func (a *app) userList(ctx context.Context) error {
	users, err := a.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Email, u.Name)
	}
	return w.Flush()
}

func (a *app) accountAdd(ctx context.Context, args []string) error {
	fs := a.flags("account add")
	userID := fs.String("user", "", "owner user id")
	name := fs.String("name", "", "account name")
	accType := fs.String("type", string(core.AccountCurrent), "CURRENT or SAVINGS")
	balance := fs.String("balance", "0", "opening balance")
	isDefault := fs.Bool("default", false, "make this the default account")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := required(fs, map[string]string{"user": *userID, "name": *name}); err != nil {
		return err
	}

	opening := decimal.Zero
	if strings.TrimSpace(*balance) != "0" {
		var err error
		if opening, err = core.ParseAmount(*balance); err != nil {
			return fmt.Errorf("balance %q: %w", *balance, err)
		}
	}

	acc, err := a.accounts.CreateAccount(ctx, core.Account{
		UserID:    *userID,
		Name:      *name,
		Type:      core.AccountType(strings.ToUpper(*accType)),
		Balance:   opening,
		IsDefault: *isDefault,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, acc.ID)
	return nil
}

func (a *app) accountList(ctx context.Context, args []string) error {
	fs := a.flags("account list")
	userID := fs.String("user", "", "owner user id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := required(fs, map[string]string{"user": *userID}); err != nil {
		return err
	}

	accounts, err := a.repo.ListAccounts(ctx, *userID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tBALANCE\tDEFAULT")
	for _, acc := range accounts {
		def := ""
		if acc.IsDefault {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acc.ID, acc.Name, acc.Type, core.FormatAmount(acc.Balance), def)
	}
	return w.Flush()
}

func (a *app) txAdd(ctx context.Context, args []string) error {
	fs := a.flags("tx add")
	userID := fs.String("user", "", "owner user id")
	accountID := fs.String("account", "", "account id (defaults to the user's default account)")
	txType := fs.String("type", string(core.Expense), "EXPENSE or INCOME")
	amount := fs.String("amount", "", "amount, e.g. 12.50")
	description := fs.String("description", "", "free text")
	category := fs.String("category", "", "category")
	date := fs.String("date", "", "date as YYYY-MM-DD (defaults to today)")
	recurring := fs.String("recurring", "", "recurring interval: DAILY, WEEKLY, BIWEEKLY, MONTHLY or YEARLY")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := required(fs, map[string]string{"user": *userID, "amount": *amount, "category": *category}); err != nil {
		return err
	}

	amt, err := core.ParseAmount(*amount)
	if err != nil {
		return fmt.Errorf("amount %q: %w", *amount, err)
	}

	when := a.clock().UTC()
	if *date != "" {
		if when, err = time.Parse(dateLayout, *date); err != nil {
			return fmt.Errorf("date %q: expected YYYY-MM-DD", *date)
		}
	}

	if *accountID == "" {
		acc, err := a.repo.GetDefaultAccount(ctx, *userID)
		if err != nil {
			return fmt.Errorf("default account of user %s: %w", *userID, err)
		}
		*accountID = acc.ID
	}

	tx, err := a.accounts.CreateTransaction(ctx, core.Transaction{
		UserID:            *userID,
		AccountID:         *accountID,
		Type:              core.TransactionType(strings.ToUpper(*txType)),
		Amount:            amt,
		Description:       *description,
		Date:              when,
		Category:          *category,
		IsRecurring:       *recurring != "",
		RecurringInterval: core.RecurringInterval(strings.ToUpper(*recurring)),
	})
	if err != nil {
		return err
	}

	if tx.NextRecurringDate != nil {
		fmt.Fprintf(a.out, "%s\tnext %s\n", tx.ID, tx.NextRecurringDate.Format(dateLayout))
	} else {
		fmt.Fprintln(a.out, tx.ID)
	}
	return nil
}

func (a *app) budgetSet(ctx context.Context, args []string) error {
	fs := a.flags("budget set")
	userID := fs.String("user", "", "owner user id")
	amount := fs.String("amount", "", "monthly budget")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if err := required(fs, map[string]string{"user": *userID, "amount": *amount}); err != nil {
		return err
	}

	amt, err := core.ParseAmount(*amount)
	if err != nil {
		return fmt.Errorf("amount %q: %w", *amount, err)
	}
	b, err := a.accounts.SetBudget(ctx, *userID, amt)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\n", b.ID, core.FormatAmount(b.Amount))
	return nil
}

// process runs one scheduler tick through an in-memory queue and waits for
// every emitted event to be handled.
func (a *app) process(ctx context.Context, args []string) error {
	fs := a.flags("process")
	timeout := fs.Duration("timeout", 5*time.Minute, "give up waiting after this long")
	if len(args) > 0 && args[0] == "" {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	registry := dispatch.NewRegistry()
	queue := dispatch.NewQueue(
		dispatch.NewRouter(registry, dispatch.NewKeyedLimiter(a.throttle)),
		dispatch.DefaultQueueConfig(),
	)
	materializer := services.NewMaterializer(a.repo, services.WithClock(a.clock))
	processor := services.NewRecurringProcessor(services.NewDueSelector(a.repo), materializer, queue)
	processor.Register(registry)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	n, err := processor.ProcessDueTransactions(ctx, a.clock())
	if err != nil {
		return err
	}
	if err := queue.Flush(ctx); err != nil {
		return fmt.Errorf("wait for materialization: %w", err)
	}

	delivered, dropped := queue.Stats()
	fmt.Fprintf(a.out, "due %d, handled %d, failed %d\n", n, delivered, dropped)
	if dropped > 0 {
		return fmt.Errorf("%d recurring transactions failed", dropped)
	}
	return nil
}
