// Command refundctl inspects and seeds a local SQLite refund snapshot.
//
//	refundctl [-db refunds.db] [-tz America/Santiago] <command> [flags]
//
// Commands:
//
//	import [file]                          load a JSON array of refunds (stdin when no file)
//	status -at DATE ID                     status held by a refund on DATE
//	had-status -status S [-from D] [-to D] [ID]
//	                                       whether ID (or which refunds) held S in the range
//	add-client -id ID -secret S -scopes "refunds:read ..." [-actor NAME]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/store"
)

var errUsage = errors.New("usage: refundctl [-db path] [-tz zone] import|status|had-status|add-client [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	db     *store.SQLiteStore
	svc    *refunds.Service
	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("refundctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", envOr("SQLITE_PATH", "refunds.db"), "SQLite database path")
	tz := fs.String("tz", envOr("LEDGER_TIMEZONE", "America/Santiago"), "reference time zone for calendar dates")
	verbose := fs.Bool("v", false, "log skipped ledger events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		return fmt.Errorf("invalid time zone %q: %w", *tz, err)
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	db, err := store.OpenSQLite(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	c := &cli{
		db: db,
		svc: refunds.NewService(refunds.ServiceDeps{
			Store:      db,
			Reconciler: refunds.NewReconciler(refunds.WithLocation(loc)),
			Logger:     logger,
		}),
		stdin:  stdin,
		stdout: stdout,
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "import":
		return c.importRefunds(ctx, rest)
	case "status":
		return c.status(ctx, rest)
	case "had-status":
		return c.hadStatus(ctx, rest)
	case "add-client":
		return c.addClient(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func (c *cli) importRefunds(ctx context.Context, args []string) error {
	in := c.stdin
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("cannot open file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var list []*refunds.Refund
	if err := json.NewDecoder(in).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode refunds: %w", err)
	}
	for i, r := range list {
		if r.ID == "" {
			return fmt.Errorf("refund %d: id is required", i)
		}
		if !r.CurrentStatus.Valid() {
			return fmt.Errorf("refund %s: unknown refund status %q", r.ID, r.CurrentStatus)
		}
		if err := c.db.SaveRefund(ctx, r); err != nil {
			return fmt.Errorf("refund %s: %w", r.ID, err)
		}
	}
	fmt.Fprintf(c.stdout, "imported %d refunds\n", len(list))
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	at := fs.String("at", "", "calendar date, YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *at == "" {
		return errors.New("usage: refundctl status -at DATE ID")
	}
	date, err := c.svc.Reconciler().ParseDate(*at)
	if err != nil {
		return err
	}

	res, err := c.svc.StatusAt(ctx, fs.Arg(0), date)
	if err != nil {
		return err
	}
	if res.Caveat {
		fmt.Fprintf(c.stdout, "%s %s (no history on %s, current: %s)\n", res.RefundID, res.Status, *at, res.DisplayStatus.Label())
		return nil
	}
	fmt.Fprintf(c.stdout, "%s %s (%s)\n", res.RefundID, res.Status, res.Status.Label())
	return nil
}

func (c *cli) hadStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("had-status", flag.ContinueOnError)
	raw := fs.String("status", "", "status to look for, one of: "+catalogList())
	fromRaw := fs.String("from", "", "range start, inclusive")
	toRaw := fs.String("to", "", "range end, inclusive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := refunds.ParseStatus(*raw)
	if err != nil {
		return fmt.Errorf("%w; known statuses: %s", err, catalogList())
	}
	from, err := c.optionalDate(*fromRaw)
	if err != nil {
		return err
	}
	to, err := c.optionalDate(*toRaw)
	if err != nil {
		return err
	}

	if fs.NArg() == 1 {
		refund, err := c.svc.Get(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		r := c.svc.Reconciler()
		answer := "no"
		if r.WasActiveDuring(r.Ledger(refund), target, from, to) {
			answer = "yes"
		}
		fmt.Fprintln(c.stdout, answer)
		return nil
	}

	matched, err := c.svc.FilterByHistoricalStatus(ctx, refunds.HistoryFilter{Status: target, From: from, To: to})
	if err != nil {
		return err
	}
	for _, r := range matched {
		fmt.Fprintln(c.stdout, r.ID)
	}
	return nil
}

func (c *cli) addClient(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-client", flag.ContinueOnError)
	id := fs.String("id", "", "client ID")
	secret := fs.String("secret", "", "client secret")
	scopes := fs.String("scopes", auth.ScopeRefundsRead, "space separated scopes")
	actor := fs.String("actor", "", "name recorded as the author of transitions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *secret == "" {
		return errors.New("usage: refundctl add-client -id ID -secret SECRET [-scopes S] [-actor NAME]")
	}

	hash, err := auth.HashClientSecret(*secret)
	if err != nil {
		return err
	}
	client := &auth.Client{ID: *id, SecretHash: hash, Scopes: strings.Fields(*scopes), Actor: *actor}
	if err := c.db.PutClient(ctx, client); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "client %s saved with scopes %s\n", client.ID, strings.Join(client.Scopes, " "))
	return nil
}

func (c *cli) optionalDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return c.svc.Reconciler().ParseDate(raw)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func catalogList() string {
	all := refunds.AllStatuses()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
