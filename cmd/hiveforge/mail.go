package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/ipc"
	"github.com/hiveforge/hiveforge/internal/mailbox"
)

// cmdIssue enqueues an ISSUE for the orchestrator.
func (a *app) cmdIssue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	thread := fs.String("thread", "", "thread id (generated when empty)")
	title := fs.String("title", "", "issue title")
	body := fs.String("body", "", "issue description")
	criteria := fs.String("criteria", "", "comma-separated acceptance criteria")
	fs.Parse(args)

	if *title == "" {
		return fmt.Errorf("issue: -title is required")
	}
	if *thread == "" {
		*thread = ipc.NewThreadID()
	}
	ac := splitCSV(*criteria)
	list := make([]any, 0, len(ac))
	for _, c := range ac {
		list = append(list, c)
	}
	payload := map[string]any{"title": *title, "acceptance_criteria": list}
	if *body != "" {
		payload["body"] = *body
	}

	mb, err := a.openMail()
	if err != nil {
		return err
	}
	msg, err := mb.Send(ctx, domain.Message{
		ThreadID:           *thread,
		From:               "cli",
		To:                 domain.RoleOrchestrator,
		Type:               domain.TypeIssue,
		AcceptanceCriteria: ac,
		Payload:            payload,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "queued ISSUE %s in thread %s\n", msg.MsgID, msg.ThreadID)
	return nil
}

func (a *app) cmdMail(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: hiveforge mail send|poll|ack|ls|reply|watch|recipients ...")
	}
	mb, err := a.openMail()
	if err != nil {
		return err
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "send":
		return a.mailSend(ctx, mb, rest)
	case "poll":
		return a.mailPoll(ctx, mb, rest)
	case "ack":
		return a.mailAck(ctx, mb, rest)
	case "ls":
		return a.mailList(ctx, mb, rest)
	case "reply":
		return a.mailReply(ctx, mb, rest)
	case "watch":
		return a.mailWatch(ctx, mb, rest)
	case "recipients":
		return a.mailRecipients(mb)
	default:
		return fmt.Errorf("unknown mail command %q", sub)
	}
}

func (a *app) mailSend(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	fs := flag.NewFlagSet("mail send", flag.ExitOnError)
	to := fs.String("to", "", "recipient")
	from := fs.String("from", "cli", "sender")
	typ := fs.String("type", string(domain.TypeInfo), "message type")
	thread := fs.String("thread", "", "thread id")
	payload := fs.String("payload", "", "JSON object payload")
	fs.Parse(args)

	if *to == "" {
		return fmt.Errorf("mail send: -to is required")
	}
	p, err := parsePayload(*payload)
	if err != nil {
		return err
	}
	msg, err := mb.Send(ctx, domain.Message{
		ThreadID: *thread,
		From:     *from,
		To:       *to,
		Type:     domain.MessageType(*typ),
		Payload:  p,
	})
	if err != nil {
		return err
	}
	return a.printJSON(msg)
}

// mailPoll claims messages; they stay claimed until acknowledged.
func (a *app) mailPoll(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	fs := flag.NewFlagSet("mail poll", flag.ExitOnError)
	limit := fs.Int("limit", mailbox.DefaultPollLimit, "maximum messages")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hiveforge mail poll [-limit N] <recipient>")
	}
	msgs, err := mb.Poll(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return a.printJSON(msgs)
}

func (a *app) mailAck(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: hiveforge mail ack <recipient> <msg_id>...")
	}
	for _, id := range args[1:] {
		if err := mb.Ack(ctx, args[0], id); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) mailList(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	fs := flag.NewFlagSet("mail ls", flag.ExitOnError)
	limit := fs.Int("limit", mailbox.DefaultListLimit, "maximum messages")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hiveforge mail ls [-limit N] [-json] <recipient>")
	}
	msgs, err := mb.ListInbox(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return a.printJSON(msgs)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MSG ID\tTYPE\tFROM\tTHREAD\tAGE")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.MsgID, m.Type, m.From, m.ThreadID, humanize.Time(m.CreatedAt))
	}
	return tw.Flush()
}

// mailReply answers a message in recipient's inbox on recipient's behalf.
func (a *app) mailReply(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	fs := flag.NewFlagSet("mail reply", flag.ExitOnError)
	typ := fs.String("type", string(domain.TypeInfo), "reply type")
	payload := fs.String("payload", "", "JSON object payload")
	ack := fs.Bool("ack", false, "acknowledge the original after replying")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: hiveforge mail reply [-type T] [-payload JSON] [-ack] <recipient> <msg_id>")
	}
	recipient, id := fs.Arg(0), fs.Arg(1)

	p, err := parsePayload(*payload)
	if err != nil {
		return err
	}
	msgs, err := mb.ListInbox(ctx, recipient, 1000)
	if err != nil {
		return err
	}
	var original *domain.Message
	for i := range msgs {
		if msgs[i].MsgID == id {
			original = &msgs[i]
			break
		}
	}
	if original == nil {
		return domain.Errorf(domain.ErrInvalidMessageID, "%s not in %s's inbox", id, recipient)
	}

	reply, err := mailbox.Reply(ctx, mb, *original, recipient, domain.MessageType(*typ), p)
	if err != nil {
		return err
	}
	if *ack {
		if err := mb.Ack(ctx, recipient, id); err != nil {
			return err
		}
	}
	return a.printJSON(reply)
}

// mailWatch prints each newly claimed message as one JSON line until
// interrupted.
func (a *app) mailWatch(ctx context.Context, mb mailbox.Mailbox, args []string) error {
	fs := flag.NewFlagSet("mail watch", flag.ExitOnError)
	limit := fs.Int("limit", mailbox.DefaultPollLimit, "messages per poll")
	interval := fs.Duration("interval", time.Second, "poll interval")
	ack := fs.Bool("ack", false, "acknowledge each message after printing")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hiveforge mail watch [-interval D] [-ack] <recipient>")
	}
	recipient := fs.Arg(0)

	enc := json.NewEncoder(a.out)
	for msg := range mailbox.Subscribe(ctx, mb, recipient, *limit, *interval, a.logger) {
		if err := enc.Encode(msg); err != nil {
			return err
		}
		if *ack {
			if err := mb.Ack(ctx, recipient, msg.MsgID); err != nil {
				a.logger.Warn("ack failed", "recipient", recipient, "msg_id", msg.MsgID, "error", err)
			}
		}
	}
	return nil
}

// mailRecipients lists the recipients with a mailbox. Only the filesystem
// backend can enumerate them.
func (a *app) mailRecipients(mb mailbox.Mailbox) error {
	lister, ok := mb.(interface{ Recipients() ([]string, error) })
	if !ok {
		return fmt.Errorf("mail recipients: backend %s cannot list recipients", a.cfg.Mail.Backend)
	}
	names, err := lister.Recipients()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(a.out, name)
	}
	return nil
}
