package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/shield"
)

// cliActor is recorded as the actor of audited CLI operations.
const cliActor = "cli"

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sub(args []string, want ...string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("missing subcommand, want one of %v", want)
	}
	for _, w := range want {
		if args[0] == w {
			return w, args[1:], nil
		}
	}
	return "", nil, fmt.Errorf("unknown subcommand %q, want one of %v", args[0], want)
}

func cmdUser(ctx context.Context, args []string) error {
	_, args, err := sub(args, "create")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("user create", flag.ExitOnError)
	cfgPath := configFlag(fs)
	username := fs.String("username", "", "unique user name")
	email := fs.String("email", "", "contact email")
	role := fs.String("role", accounts.RoleCustomer, "admin or customer")
	limit := fs.Int("limit", 0, "daily file limit (default from config)")
	price := fs.Float64("price", 0, "price per token (default from config)")
	balance := fs.Float64("balance", 0, "opening balance")
	fs.Parse(args)

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	if *limit == 0 {
		*limit = a.cfg.Billing.DefaultFileLimit
	}
	if *price == 0 {
		*price = a.cfg.Billing.DefaultTokenPrice
	}
	nu := accounts.NewUser{
		Username: *username, Email: *email, Role: *role,
		FileLimit: *limit, TokenPrice: *price, Balance: *balance,
	}
	u, err := a.accounts.CreateUser(ctx, nu)
	a.audit.Record(ctx, cliActor, "user.create", *username, nu, err)
	if err != nil {
		return err
	}
	return printJSON(u)
}

func cmdWallet(ctx context.Context, args []string) error {
	_, args, err := sub(args, "credit")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("wallet credit", flag.ExitOnError)
	cfgPath := configFlag(fs)
	userID := fs.String("user", "", "user ID")
	amount := fs.Float64("amount", 0, "amount to add; negative debits")
	note := fs.String("note", "credit from cli", "transaction description")
	fs.Parse(args)

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	t, err := a.accounts.Adjust(ctx, *userID, *amount, *note)
	a.audit.Record(ctx, cliActor, "wallet.adjust", *userID, map[string]any{"amount": *amount, "note": *note}, err)
	if err != nil {
		return err
	}
	return printJSON(t)
}

func cmdAPIKey(ctx context.Context, args []string) error {
	_, args, err := sub(args, "create")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("apikey create", flag.ExitOnError)
	cfgPath := configFlag(fs)
	userID := fs.String("user", "", "user ID")
	name := fs.String("name", "default", "key label")
	fs.Parse(args)

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	k, tok, err := a.accounts.CreateKey(ctx, *userID, *name)
	a.audit.Record(ctx, cliActor, "apikey.create", *userID, map[string]string{"name": *name}, err)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"key": k, "token": tok})
}

func cmdJob(ctx context.Context, args []string) error {
	which, args, err := sub(args, "cancel", "fix-status")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("job "+which, flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "job ID")
	status := fs.String("status", "", "new status (fix-status)")
	fs.Parse(args)
	if *id == "" {
		return errors.New("-id is required")
	}

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	if which == "cancel" {
		j, err := a.jobs.Cancel(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(j)
	}
	j, err := a.jobs.ForceStatus(ctx, *id, *status, cliActor)
	if err != nil {
		return err
	}
	return printJSON(j)
}

func cmdMaintenance(ctx context.Context, args []string) error {
	which, args, err := sub(args, "on", "off")
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("maintenance", flag.ExitOnError)
	cfgPath := configFlag(fs)
	message := fs.String("message", "", "message shown to clients")
	fs.Parse(args)

	a, err := openApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.close()
	mm := shield.NewMaintenanceMode(a.db, a.logger)
	err = mm.Set(ctx, which == "on", *message)
	a.audit.Record(ctx, cliActor, "maintenance.set", "", map[string]any{"active": which == "on", "message": *message}, err)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"active": mm.Active(), "message": mm.Message()})
}
