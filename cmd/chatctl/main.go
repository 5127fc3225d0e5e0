package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/skip2/go-qrcode"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// Pairing waits on the user; everything else is a quick round trip.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if args[0] == "pair" {
		cancel()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	}
	defer cancel()

	out := &printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		err = cmdStatus(ctx, c, out)
	case "chats":
		fs := flag.NewFlagSet("chats", flag.ExitOnError)
		refresh := fs.Bool("refresh", false, "fetch chat summaries from the backend first")
		_ = fs.Parse(args[1:])
		err = cmdChats(ctx, c, *refresh, out)
	case "view":
		if len(args) < 2 {
			usageExit("usage: chatctl view <chat-id> [--older N]")
		}
		fs := flag.NewFlagSet("view", flag.ExitOnError)
		older := fs.Int("older", 0, "load N older pages before printing")
		_ = fs.Parse(args[2:])
		err = cmdView(ctx, c, args[1], *older, out)
	case "send":
		if len(args) < 3 {
			usageExit("usage: chatctl send <chat-id> <text>")
		}
		err = cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), out)
	case "read":
		if len(args) < 2 {
			usageExit("usage: chatctl read <chat-id>")
		}
		err = cmdRead(ctx, c, args[1])
	case "search":
		if len(args) < 2 {
			usageExit("usage: chatctl search <query>")
		}
		err = cmdSearch(ctx, c, strings.Join(args[1:], " "), out)
	case "pair":
		err = cmdPair(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats [--refresh]      List chats")
	fmt.Fprintln(os.Stderr, "  view <chat> [--older N]  Print a chat's messages")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>     Send a message")
	fmt.Fprintln(os.Stderr, "  read <chat>            Mark a chat read")
	fmt.Fprintln(os.Stderr, "  search <query>         Search archived messages")
	fmt.Fprintln(os.Stderr, "  pair                   Pair this device (WhatsApp)")
}

func usageExit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

type printer struct {
	json bool
}

// emit prints v as JSON when requested, otherwise calls text.
func (p *printer) emit(v any, text func()) {
	if !p.json {
		text()
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func cmdStatus(ctx context.Context, c *rpc.Client, out *printer) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	out.emit(resp, func() {
		fmt.Printf("Profile:  %s (%s)\n", resp.Profile, resp.Backend)
		state := resp.State
		if resp.Reason != "" {
			state += " (" + resp.Reason + ")"
		}
		fmt.Printf("State:    %s\n", state)
		fmt.Printf("Chats:    %d (%d watched)\n", resp.ChatCount, resp.Watching)
		fmt.Printf("Pushes:   %d delivered, %d duplicates\n", resp.Delivered, resp.Duplicates)
		fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	})
	return nil
}

func cmdChats(ctx context.Context, c *rpc.Client, refresh bool, out *printer) error {
	resp, err := c.ListChats(ctx, refresh)
	if err != nil {
		return err
	}
	out.emit(resp, func() {
		if len(resp.Chats) == 0 {
			fmt.Println("No chats.")
			return
		}
		for _, s := range resp.Chats {
			unread := ""
			if s.Unread > 0 {
				unread = fmt.Sprintf(" [%d]", s.Unread)
			}
			fmt.Printf("%-24s %s%s\n", s.Chat.ID, s.DisplayName, unread)
		}
	})
	return nil
}

func cmdView(ctx context.Context, c *rpc.Client, chatID string, older int, out *printer) error {
	page, err := c.OpenChat(ctx, chatID)
	if err != nil {
		return err
	}
	if page.Error != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", page.Error)
	}
	for range older {
		page, err = c.LoadNextPage(ctx, chatID)
		if err != nil {
			return err
		}
		if page.State == "EXHAUSTED" {
			break
		}
	}
	v, err := c.GetView(ctx, chatID)
	if err != nil {
		return err
	}
	out.emit(v, func() {
		for _, g := range v.Groups {
			fmt.Printf("── %s ──\n", g.Label)
			for _, r := range g.Rows {
				m := r.Message
				author := m.AuthorName
				if author == "" {
					author = m.AuthorID
				}
				mark := ""
				if r.Pending {
					mark = " …"
				}
				fmt.Printf("%s  %-12s %s%s\n", m.CreatedAt.Local().Format("15:04"), author, text(m.Text, m.Files), mark)
			}
		}
		for _, f := range v.Failed {
			fmt.Printf("✗ %s (%s) [%s]\n", text(f.Text, f.Files), f.Err, f.TempID)
		}
	})
	return c.CloseChat(ctx, chatID)
}

func text(t *string, files []rpc.File) string {
	if t != nil {
		return *t
	}
	if len(files) > 0 {
		return "[file: " + files[0].Name + "]"
	}
	return ""
}

func cmdSend(ctx context.Context, c *rpc.Client, chatID, body string, out *printer) error {
	msg, err := c.Send(ctx, &rpc.SendRequest{ChatID: chatID, Text: &body})
	if err != nil {
		return err
	}
	out.emit(msg, func() {
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.DateTime))
	})
	return nil
}

func cmdRead(ctx context.Context, c *rpc.Client, chatID string) error {
	n, err := c.MarkRead(ctx, chatID)
	if err != nil {
		return err
	}
	fmt.Printf("%d message(s) marked read\n", n)
	return nil
}

func cmdSearch(ctx context.Context, c *rpc.Client, query string, out *printer) error {
	msgs, err := c.Search(ctx, &rpc.SearchRequest{Query: query, Limit: 50})
	if err != nil {
		return err
	}
	out.emit(msgs, func() {
		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return
		}
		for _, m := range msgs {
			fmt.Printf("%s  %-20s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.ChatID, text(m.Text, m.Files))
		}
	})
	return nil
}

func cmdPair(ctx context.Context, c *rpc.Client) error {
	stream, err := c.Pair(ctx)
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch remote.PairEventType(evt.Type) {
		case remote.PairCode:
			q, err := qrcode.New(evt.Code, qrcode.Low)
			if err != nil {
				return fmt.Errorf("render qr: %w", err)
			}
			fmt.Println(q.ToSmallString(false))
			fmt.Println("Scan the code from your phone's linked devices screen.")
		case remote.PairSuccess:
			fmt.Println("Paired.")
			return nil
		default:
			return fmt.Errorf("pairing %s: %s", evt.Type, evt.Message)
		}
	}
}
