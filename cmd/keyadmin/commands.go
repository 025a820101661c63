package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/nextkey/keyadmin/pkg/browser"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/types"
)

var errUsage = errors.New("usage error")

type command struct {
	name         string
	usage        string
	needsSession bool
	run          func(ctx context.Context, a *app, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{name: "login", usage: "login [-u username]            log in with KEYADMIN_ADMIN_PASSWORD", run: runLogin},
		{name: "logout", usage: "logout                         end the session", run: runLogout},
		{name: "status", usage: "status                         show the stored session", run: runStatus},
		{name: "refresh", usage: "refresh                        refresh the access token now", needsSession: true, run: runRefresh},
		{name: "projects", usage: "projects list|get|delete       manage projects", needsSession: true, run: runProjects},
		{name: "cards", usage: "cards list|create|freeze|unfreeze|delete", needsSession: true, run: runCards},
		{name: "vars", usage: "vars list|set|delete           manage cloud variables", needsSession: true, run: runVars},
		{name: "console", usage: "console [page] [-project id]   open the admin web console", run: runConsole},
		{name: "watch", usage: "watch                          keep the session alive and serve metrics", needsSession: true, run: runWatch},
	}
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: keyadmin <command> [arguments]")
	_, _ = fmt.Fprintln(w)
	for _, c := range commands {
		_, _ = fmt.Fprintf(w, "  %s\n", c.usage)
	}
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("login", a.out)
	username := fs.String("u", a.cfg.Username, "admin username")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if a.cfg.Password == "" {
		return fmt.Errorf("%w: KEYADMIN_ADMIN_PASSWORD is not set", errUsage)
	}
	if err := a.client.Login(ctx, *username, a.cfg.Password); err != nil {
		return err
	}
	return printJSON(a.out, a.client.GetAuthStatus())
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	return a.client.Logout(ctx)
}

func runStatus(_ context.Context, a *app, _ []string) error {
	return printJSON(a.out, a.client.GetAuthStatus())
}

func runRefresh(ctx context.Context, a *app, _ []string) error {
	if err := a.client.Refresh(ctx); err != nil {
		return err
	}
	return printJSON(a.out, a.client.GetAuthStatus())
}

func runProjects(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		fs := newFlagSet("projects list", a.out)
		opts := pageFlags(fs)
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		page, err := a.client.Projects.List(ctx, *opts)
		if err != nil {
			return err
		}
		return printJSON(a.out, page)
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("%w: projects get <uuid>", errUsage)
		}
		project, err := a.client.Projects.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(a.out, project)
	case "delete":
		ids, err := parseIDs(rest)
		if err != nil {
			return err
		}
		if len(ids) == 1 {
			return a.client.Projects.Delete(ctx, ids[0])
		}
		result, err := a.client.Projects.BatchDelete(ctx, ids)
		if err != nil {
			return err
		}
		return printJSON(a.out, result)
	}
	return fmt.Errorf("%w: unknown projects command %q", errUsage, sub)
}

func runCards(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		fs := newFlagSet("cards list", a.out)
		opts := types.CardListOptions{}
		fs.IntVar(&opts.Page, "page", 1, "page number")
		fs.IntVar(&opts.PageSize, "size", constants.DefaultPageSize, "page size")
		project := fs.Uint("project", 0, "project id")
		fs.StringVar(&opts.Status, "status", "", "activated, not_activated or frozen")
		fs.StringVar(&opts.Keyword, "keyword", "", "search card keys and notes")
		fs.StringVar(&opts.CardType, "type", "", "card type")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		opts.ProjectID = *project
		page, err := a.client.Cards.List(ctx, opts)
		if err != nil {
			return err
		}
		return printJSON(a.out, page)
	case "create":
		fs := newFlagSet("cards create", a.out)
		req := types.CreateCardsRequest{}
		project := fs.Uint("project", 0, "project id")
		fs.IntVar(&req.Count, "count", 1, "number of cards")
		duration := fs.Duration("duration", 0, "validity after activation, 0 for permanent")
		fs.StringVar(&req.Prefix, "prefix", "", "card key prefix")
		fs.StringVar(&req.CardType, "type", "", "card type")
		fs.IntVar(&req.MaxHWID, "max-hwid", -1, "bound machines, -1 for unlimited")
		fs.IntVar(&req.MaxIP, "max-ip", -1, "bound addresses, -1 for unlimited")
		fs.StringVar(&req.Note, "note", "", "note")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		if *project == 0 {
			return fmt.Errorf("%w: -project is required", errUsage)
		}
		req.ProjectID = *project
		req.Duration = int(duration.Seconds())
		cards, err := a.client.Cards.Create(ctx, &req)
		if err != nil {
			return err
		}
		return printJSON(a.out, cards)
	case "freeze", "unfreeze", "delete":
		ids, err := parseIDs(rest)
		if err != nil {
			return err
		}
		return cardAction(ctx, a, sub, ids)
	}
	return fmt.Errorf("%w: unknown cards command %q", errUsage, sub)
}

func cardAction(ctx context.Context, a *app, action string, ids []uint) error {
	cards := a.client.Cards
	if len(ids) == 1 {
		switch action {
		case "freeze":
			return cards.Freeze(ctx, ids[0])
		case "unfreeze":
			return cards.Unfreeze(ctx, ids[0])
		default:
			return cards.Delete(ctx, ids[0])
		}
	}

	var result *types.BatchResult
	var err error
	switch action {
	case "freeze":
		result, err = cards.BatchFreeze(ctx, ids)
	case "unfreeze":
		result, err = cards.BatchUnfreeze(ctx, ids)
	default:
		result, err = cards.BatchDelete(ctx, ids)
	}
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}

func runVars(ctx context.Context, a *app, args []string) error {
	sub, rest, err := subcommand(args)
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		fs := newFlagSet("vars list", a.out)
		opts := pageFlags(fs)
		project := fs.Uint("project", 0, "project id, 0 for all")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		page, err := a.client.CloudVars.List(ctx, *project, *opts)
		if err != nil {
			return err
		}
		return printJSON(a.out, page)
	case "set":
		fs := newFlagSet("vars set", a.out)
		project := fs.Uint("project", 0, "project id")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		if *project == 0 || fs.NArg() != 2 {
			return fmt.Errorf("%w: vars set -project <id> <key> <value>", errUsage)
		}
		v, err := a.client.CloudVars.Set(ctx, &types.CloudVarRequest{ProjectID: *project, Key: fs.Arg(0), Value: fs.Arg(1)})
		if err != nil {
			return err
		}
		return printJSON(a.out, v)
	case "delete":
		ids, err := parseIDs(rest)
		if err != nil {
			return err
		}
		if len(ids) == 1 {
			return a.client.CloudVars.Delete(ctx, ids[0])
		}
		result, err := a.client.CloudVars.BatchDelete(ctx, ids)
		if err != nil {
			return err
		}
		return printJSON(a.out, result)
	}
	return fmt.Errorf("%w: unknown vars command %q", errUsage, sub)
}

func runConsole(_ context.Context, a *app, args []string) error {
	page := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		page, args = args[0], args[1:]
	}
	fs := newFlagSet("console", a.out)
	project := fs.String("project", "", "project id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	target, err := browser.ConsoleURL(a.cfg.ConsoleURL, page, *project)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	_, _ = fmt.Fprintln(a.out, target)
	if err := browser.Open(target); err != nil {
		a.logger.Warn().Err(err).Msg("open the address above manually")
	}
	return nil
}

// runWatch keeps the client alive so the session is refreshed ahead of
// expiry, and serves the session metrics until interrupted.
func runWatch(ctx context.Context, a *app, _ []string) error {
	figure.NewFigure(constants.LibraryName, constants.BannerFont, true).Print()
	_, _ = fmt.Fprintln(a.out)

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.client.IsAuthenticated() {
			http.Error(w, "no session", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	server := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	status := a.client.GetAuthStatus()
	a.logger.Info().
		Str("metrics_addr", a.cfg.MetricsAddr).
		Time("expires_at", status.ExpiresAt).
		Time("next_refresh_at", status.NextRefreshAt).
		Msg("watching session")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("server.Shutdown: %w", shutdownErr)
	}
	a.logger.Info().Msg("stopped watching")
	return err
}

func subcommand(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: missing subcommand", errUsage)
	}
	return args[0], args[1:], nil
}

func pageFlags(fs *flag.FlagSet) *types.ListOptions {
	opts := &types.ListOptions{}
	fs.IntVar(&opts.Page, "page", 1, "page number")
	fs.IntVar(&opts.PageSize, "size", constants.DefaultPageSize, "page size")
	return opts
}

func parseIDs(args []string) ([]uint, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: at least one id is required", errUsage)
	}
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 0)
			if err != nil || id == 0 {
				return nil, fmt.Errorf("%w: invalid id %q", errUsage, part)
			}
			ids = append(ids, uint(id))
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one id is required", errUsage)
	}
	return ids, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
