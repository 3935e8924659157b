package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ascapdx/callcore/internal/config"
	"github.com/ascapdx/callcore/internal/history"
)

type historyOptions struct {
	filter    string
	search    string
	exportDir string
	clear     bool
	yes       bool
	unseen    bool
}

func parseHistoryFlags(args []string, stderr io.Writer) (historyOptions, error) {
	var opts historyOptions
	fs := flag.NewFlagSet("ascapdx-call history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.filter, "filter", "all", "Status filter: all, completed, missed, rejected, no-answer")
	fs.StringVar(&opts.search, "search", "", "Only show calls whose peer contains this text")
	fs.StringVar(&opts.exportDir, "export", "", "Write the visible calls as CSV into this directory")
	fs.BoolVar(&opts.clear, "clear", false, "Delete the whole call history")
	fs.BoolVar(&opts.yes, "yes", false, "Do not ask before --clear")
	fs.BoolVar(&opts.unseen, "unseen", false, "Print the number of missed calls not seen yet")
	if err := fs.Parse(args); err != nil {
		return historyOptions{}, err
	}
	if fs.NArg() > 0 {
		return historyOptions{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if _, err := history.ParseStatus(opts.filter); err != nil {
		return historyOptions{}, err
	}
	return opts, nil
}

func runHistory(ctx context.Context, cfg config.Agent, logger *slog.Logger, args []string, in io.Reader, out io.Writer) error {
	opts, err := parseHistoryFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if cfg.APIBaseURL == "" {
		return errors.New("history needs --api-base-url")
	}
	backend, err := history.NewClient(history.ClientConfig{BaseURL: cfg.APIBaseURL, Token: cfg.AuthToken})
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return historyCommand(ctx, opts, history.NewView(history.ViewConfig{
		User:    cfg.User,
		Backend: backend,
		Store:   store,
		Logger:  logger,
	}), in, out, time.Now)
}

func historyCommand(ctx context.Context, opts historyOptions, view *history.View, in io.Reader, out io.Writer, now func() time.Time) error {
	switch {
	case opts.unseen:
		n, err := view.UnseenMissed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil
	case opts.clear:
		confirm := promptConfirm(in, out)
		if opts.yes {
			confirm = func(string) bool { return true }
		}
		err := view.Clear(ctx, confirm)
		if errors.Is(err, history.ErrClearCancelled) {
			fmt.Fprintln(out, "cancelled")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "call history cleared")
		return nil
	}

	if err := view.Load(ctx); err != nil {
		return err
	}
	if err := view.SetFilter(opts.filter); err != nil {
		return err
	}
	view.SetSearch(opts.search)

	if opts.exportDir != "" {
		path := filepath.Join(opts.exportDir, history.ExportFileName(now()))
		if err := exportFile(view, path); err != nil {
			return err
		}
		fmt.Fprintln(out, path)
		return nil
	}
	return printRecords(out, view.Visible())
}

func exportFile(view *history.View, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	if err := view.ExportCSV(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write export: %w", err)
	}
	return f.Close()
}

func printRecords(out io.Writer, records []history.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no calls")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tDIRECTION\tPEER\tSTATUS\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Direction, r.Peer, r.Status,
			(time.Duration(r.DurationSec) * time.Second).String(),
		)
	}
	return tw.Flush()
}

func promptConfirm(in io.Reader, out io.Writer) history.Confirm {
	return func(prompt string) bool {
		fmt.Fprintf(out, "%s [y/N] ", prompt)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

const liveHistoryTimeout = 10 * time.Second

// liveHistory keeps the agent's history view current while it runs.
type liveHistory struct {
	ctx  context.Context
	view *history.View
	out  *lineWriter
	log  *slog.Logger
}

// badge prints how many missed calls arrived since history was last viewed.
func (h *liveHistory) badge() {
	ctx, cancel := context.WithTimeout(h.ctx, liveHistoryTimeout)
	defer cancel()
	n, err := h.view.UnseenMissed(ctx)
	if err != nil {
		h.log.Warn("count unseen missed calls", "err", err)
		return
	}
	if n > 0 {
		h.out.Printf("[history] %d missed call(s) since last view", n)
	}
}

// refresh reloads the view in the background. It never blocks the caller,
// which is the call event loop.
func (h *liveHistory) refresh() {
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, liveHistoryTimeout)
		defer cancel()
		if err := h.view.Load(ctx); err != nil {
			h.log.Warn("refresh call history", "err", err)
			return
		}
		h.log.Debug("call history refreshed", "calls", len(h.view.Visible()))
	}()
}
