package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"mailqueue/internal/blacklist"
	"mailqueue/internal/config"
	"mailqueue/internal/engine"
	"mailqueue/internal/models"
	"mailqueue/internal/transport"
)

type command func(ctx context.Context, a *app, args []string, out io.Writer) error

var commands = map[string]command{
	"run":            runCommand,
	"daemon":         daemonCommand,
	"enqueue":        enqueueCommand,
	"blacklist":      blacklistCommand,
	"retry-deferred": retryDeferredCommand,
	"status":         statusCommand,
	"log":            logCommand,
}

// newEngine wires the queue engine from the loaded configuration.
func newEngine(a *app, cfg *models.Config) (*engine.Engine, error) {
	policy, err := config.RetryPolicy(cfg)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(cfg.Transport, a.logger)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Config{
		LockPath:     cfg.Queue.LockPath,
		MaxRetries:   cfg.Queue.MaxRetries,
		Policy:       policy,
		LogAddresses: a.opts.verbose,
	}, a.db, blacklist.NewChecker(a.db, a.logger), tr, a.logger)
}

func runCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) > 0 {
		return fmt.Errorf("run takes no arguments")
	}

	eng, err := newEngine(a, a.cfg)
	if err != nil {
		return err
	}

	summary, err := eng.RunPass(ctx)
	if summary != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
	}
	return err
}

func enqueueCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	flags.SetOutput(out)
	to := flags.String("to", "", "Recipient address (default: the message's To header)")
	from := flags.String("from", "", "Sender address (default: the message's From header)")
	subject := flags.String("subject", "", "Subject (default: the message's Subject header)")
	priorityName := flags.String("priority", "normal", "Priority: high, normal or low")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("enqueue takes exactly one message file")
	}

	priority, err := models.ParsePriority(*priorityName)
	if err != nil {
		return err
	}

	encoded, err := readMessage(flags.Arg(0))
	if err != nil {
		return err
	}
	if len(encoded) == 0 {
		return fmt.Errorf("message is empty")
	}

	msg := &models.Message{EncodedMessage: encoded}
	headerValues(msg, encoded)
	if *to != "" {
		addr, err := mail.ParseAddress(*to)
		if err != nil {
			return fmt.Errorf("invalid -to address %q: %w", *to, err)
		}
		msg.ToAddress = addr.Address
	}
	if *from != "" {
		addr, err := mail.ParseAddress(*from)
		if err != nil {
			return fmt.Errorf("invalid -from address %q: %w", *from, err)
		}
		msg.FromAddress = addr.Address
	}
	if *subject != "" {
		msg.Subject = *subject
	}
	if msg.ToAddress == "" {
		return fmt.Errorf("no recipient: set -to or a To header")
	}

	entry, err := a.db.Enqueue(ctx, msg, priority)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "queued message %d (%s priority)\n", entry.MessageID, entry.Priority)
	return nil
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path) // #nosec G304 - operator supplied message file
}

// headerValues copies To, From and Subject from the encoded message into msg.
// Messages without a parseable header block are left untouched.
func headerValues(msg *models.Message, encoded []byte) {
	parsed, err := mail.ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		return
	}
	if list, err := parsed.Header.AddressList("To"); err == nil && len(list) > 0 {
		msg.ToAddress = list[0].Address
	}
	if addr, err := mail.ParseAddress(parsed.Header.Get("From")); err == nil {
		msg.FromAddress = addr.Address
	}
	dec := new(mime.WordDecoder)
	subject := parsed.Header.Get("Subject")
	if decoded, err := dec.DecodeHeader(subject); err == nil {
		subject = decoded
	}
	msg.Subject = subject
}

func blacklistCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("blacklist requires add, remove or list")
	}
	checker := blacklist.NewChecker(a.db, a.logger)

	switch args[0] {
	case "add", "remove":
		if len(args) != 2 {
			return fmt.Errorf("blacklist %s takes exactly one address", args[0])
		}
		var changed bool
		var err error
		if args[0] == "add" {
			changed, err = checker.Add(ctx, args[1])
		} else {
			changed, err = checker.Remove(ctx, args[1])
		}
		if err != nil {
			return err
		}
		address := blacklist.Normalize(args[1])
		switch {
		case args[0] == "add" && changed:
			fmt.Fprintf(out, "blacklisted %s\n", address)
		case args[0] == "add":
			fmt.Fprintf(out, "%s is already blacklisted\n", address)
		case changed:
			fmt.Fprintf(out, "removed %s from the blacklist\n", address)
		default:
			fmt.Fprintf(out, "%s is not blacklisted\n", address)
		}
		return nil

	case "list":
		entries, err := checker.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EMAIL\tADDED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Email, e.AddedAt.Format(time.RFC3339))
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown blacklist command %q", args[0])
	}
}

func retryDeferredCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) > 0 {
		return fmt.Errorf("retry-deferred takes no arguments")
	}
	n, err := a.db.RetryDeferred(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d deferred messages are eligible again\n", n)
	return nil
}

func statusCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) > 0 {
		return fmt.Errorf("status takes no arguments")
	}
	stats, err := a.db.QueueStats(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		fmt.Fprintf(w, "%s\t%d\n", p, stats.ByPriority[p])
	}
	fmt.Fprintf(w, "deferred\t%d\n", stats.Deferred)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	return w.Flush()
}

func logCommand(ctx context.Context, a *app, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	flags.SetOutput(out)
	messageID := flags.Int64("message", 0, "Only show entries for this message id")
	limit := flags.Int("limit", 50, "Maximum number of entries (0 for all)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	entries, err := a.db.ListLog(ctx, *messageID, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tMESSAGE\tRESULT\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Date.Format(time.RFC3339), e.MessageID, e.Result, strings.ReplaceAll(e.LogMessage, "\n", " "))
	}
	return w.Flush()
}
