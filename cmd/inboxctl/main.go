// Command inboxctl drives an inbox-router backend from the terminal through
// the same session core the dashboard uses.
//
// Usage:
//
//	inboxctl [-api URL] [-user ID] [-token JWT | -secret KEY] <command> [args]
//
// Commands: status, connect <system>, disconnect <system>, sync, list,
// summary, watch, analyze <id>, accept <id>, route <id>, sheet <id>,
// reject <id>.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"inbox-router/internal/apiclient"
	"inbox-router/internal/config"
	"inbox-router/internal/dashboard"
	"inbox-router/internal/logger"
	"inbox-router/internal/middleware"
	"inbox-router/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "inboxctl:", err)
		os.Exit(1)
	}
}

type options struct {
	api      string
	user     string
	token    string
	secret   string
	note     string
	status   string
	query    string
	limit    int
	max      int64
	interval time.Duration
	verbose  bool
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("inboxctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.api, "api", config.GetEnv("INBOX_API_URL", "http://localhost:8080"), "backend base URL")
	fs.StringVar(&opts.user, "user", config.GetEnv("INBOX_USER_ID", ""), "user id")
	fs.StringVar(&opts.token, "token", config.GetEnv("INBOX_TOKEN", ""), "bearer token")
	fs.StringVar(&opts.secret, "secret", config.GetEnv("AUTH_JWT_SECRET", ""), "mint a bearer for -user with this secret when -token is empty")
	fs.StringVar(&opts.note, "note", "", "note override for accept and route")
	fs.StringVar(&opts.status, "status", "", "status filter for list (all, new, rejected, ...)")
	fs.StringVar(&opts.query, "query", "", "search text for list")
	fs.IntVar(&opts.limit, "limit", model.DefaultLimit, "maximum messages to list")
	fs.Int64Var(&opts.max, "max", dashboard.DefaultSyncMaxMessages, "maximum messages per sync")
	fs.DurationVar(&opts.interval, "interval", dashboard.DefaultSummaryInterval, "summary refresh interval for watch")
	fs.BoolVar(&opts.verbose, "v", false, "log requests")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	log := logger.Nop()
	if opts.verbose {
		log = logger.NewWithWriter(os.Stderr)
	}

	token := opts.token
	if token == "" && opts.secret != "" && opts.user != "" {
		minted, err := middleware.IssueToken([]byte(opts.secret), opts.user, time.Hour)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		token = minted
	}

	client := apiclient.NewClient(opts.api, opts.user, log, apiclient.WithToken(token))
	session := dashboard.NewSession(client, dashboard.Config{
		SyncMaxMessages: opts.max,
		SummaryInterval: opts.interval,
	}, log)
	cli := &cli{session: session, out: out, opts: opts}

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "status":
		return cli.status(ctx)
	case "connect":
		return cli.connect(ctx, rest)
	case "disconnect":
		return cli.disconnect(ctx, rest)
	case "sync":
		return cli.sync(ctx)
	case "list":
		return cli.list(ctx)
	case "summary":
		return cli.summary(ctx)
	case "watch":
		return cli.watch(ctx)
	case "analyze", "accept", "route", "sheet", "reject":
		return cli.action(ctx, command, rest)
	}
	return fmt.Errorf("unknown command %q", command)
}

type cli struct {
	session *dashboard.Session
	out     io.Writer
	opts    options
}

func parseSystem(args []string) (model.System, error) {
	if len(args) != 1 {
		return "", errors.New("expected one system: gmail, hubspot, google-sheets or salesforce")
	}
	system, ok := model.SystemFromSlug(strings.ToLower(args[0]))
	if !ok {
		return "", fmt.Errorf("unknown system %q", args[0])
	}
	return system, nil
}

func (c *cli) status(ctx context.Context) error {
	registry := c.session.Registry()
	registry.CheckAll(ctx)

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tSTATUS\tDETAIL")
	for _, system := range model.AllSystems {
		conn := registry.Get(system)
		fmt.Fprintf(w, "%s\t%s\t%s\n", system.Slug(), conn.Status, connectionDetail(conn))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "readiness:", c.session.Readiness())
	return nil
}

func connectionDetail(conn model.Connection) string {
	var parts []string
	if conn.Identity != "" {
		parts = append(parts, conn.Identity)
	}
	if conn.InstanceURL != "" {
		parts = append(parts, conn.InstanceURL)
	}
	if conn.ResourceName != "" {
		parts = append(parts, "sheet "+conn.ResourceName)
	}
	if conn.LastSyncAt != nil {
		parts = append(parts, "last sync "+conn.LastSyncAt.Local().Format(time.RFC822))
	}
	return strings.Join(parts, ", ")
}

func (c *cli) connect(ctx context.Context, args []string) error {
	system, err := parseSystem(args)
	if err != nil {
		return err
	}
	target, err := c.session.BeginConnect(ctx, system)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Open this URL to connect", system.Slug()+":")
	fmt.Fprintln(c.out, target)
	return nil
}

func (c *cli) disconnect(ctx context.Context, args []string) error {
	system, err := parseSystem(args)
	if err != nil {
		return err
	}
	if err := c.session.Disconnect(ctx, system); err != nil {
		return err
	}
	fmt.Fprintln(c.out, system.Slug(), c.session.Registry().Get(system).Status)
	return nil
}

func (c *cli) sync(ctx context.Context) error {
	c.session.Registry().CheckAll(ctx)
	result, err := c.session.StartSync(ctx)
	if err != nil {
		return err
	}
	if result.Baseline {
		fmt.Fprintln(c.out, "Baseline set; new mail from now on will be captured.")
	}
	fmt.Fprintln(c.out, c.session.SyncState().Message)
	return nil
}

func (c *cli) list(ctx context.Context) error {
	messages, err := c.session.Load(ctx, model.MessageFilter{
		Status: c.opts.status,
		Query:  c.opts.query,
		Limit:  c.opts.limit,
	})
	if err != nil {
		return err
	}
	printMessages(c.out, messages)
	return nil
}

func printMessages(out io.Writer, messages []*model.Message) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFROM\tSUBJECT\tLINKS")
	for _, m := range messages {
		var links []string
		for _, system := range model.DestinationSystems {
			if m.LinkFor(system) != nil {
				links = append(links, system.Slug())
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ExternalID, m.Status, m.Sender, truncate(m.Subject, 60), strings.Join(links, ","))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func (c *cli) summary(ctx context.Context) error {
	poller := c.session.Poller()
	poller.Start(ctx)
	defer poller.Stop()

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for {
		summary, err := poller.Latest()
		if summary != nil {
			printSummary(c.out, summary)
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.New("timed out waiting for summary")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// watch prints the inbox counts every interval until interrupted.
func (c *cli) watch(ctx context.Context) error {
	c.session.Poller().OnUpdate(func(summary *model.InboxSummary) {
		printSummary(c.out, summary)
	})
	c.session.OpenInsights(ctx)
	defer c.session.CloseInsights()
	<-ctx.Done()
	return nil
}

func printSummary(out io.Writer, summary *model.InboxSummary) {
	var parts []string
	for _, status := range model.AllStatuses {
		if n := summary.Counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	fmt.Fprintf(out, "%s total=%d %s\n", time.Now().Format("15:04:05"), summary.Total, strings.Join(parts, " "))
}

func (c *cli) action(ctx context.Context, command string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s expects one message id", command)
	}
	ref := args[0]

	c.session.Registry().CheckAll(ctx)
	if _, err := c.session.Load(ctx, model.MessageFilter{Status: model.FilterAll, Limit: model.MaxLimit}); err != nil {
		return err
	}

	var (
		message *model.Message
		err     error
	)
	switch command {
	case "analyze":
		message, err = c.session.Analyze(ctx, ref, c.opts.note)
	case "accept":
		message, err = c.session.Accept(ctx, ref, c.opts.note)
	case "route":
		message, err = c.session.RouteToSecondary(ctx, ref, c.opts.note)
	case "sheet":
		message, err = c.session.SyncToSpreadsheet(ctx, ref)
	case "reject":
		message, err = c.session.Reject(ctx, ref)
	}
	if message != nil {
		printMessage(c.out, message)
	}
	return err
}

func printMessage(out io.Writer, m *model.Message) {
	fmt.Fprintf(out, "%s  %s\n", m.ExternalID, m.Status)
	if m.Decision != nil {
		fmt.Fprintf(out, "  decision: %s (confidence %.2f)", m.Decision.ContactObjectType, m.Decision.Confidence)
		if m.Decision.Intent != "" {
			fmt.Fprintf(out, " intent %s", m.Decision.Intent)
		}
		fmt.Fprintln(out)
	}
	if m.Summary != "" {
		fmt.Fprintln(out, "  summary:", m.Summary)
	}
	for _, system := range model.DestinationSystems {
		link := m.LinkFor(system)
		if link == nil {
			continue
		}
		ref := link.RecordURL
		if ref == "" {
			ref = link.RecordID
		}
		if link.RowNumber > 0 {
			ref = fmt.Sprintf("row %d %s", link.RowNumber, ref)
		}
		fmt.Fprintf(out, "  %s: %s\n", system.Slug(), ref)
	}
	if m.Error != "" {
		fmt.Fprintln(out, "  error:", m.Error)
	}
}
