// chatctl — консольный клиент чата поверх chatsync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/teamchat/internal/chatsync"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

const usage = `usage: chatctl [flags] <command> [args]

commands:
  me                                  show the current user
  users                               list known users
  list [-archived] [-q text]          list conversations
  show <conv>                         print a conversation
  send [-reply msg] <conv> <text>     send a message
  upload <conv> <file> [text]         send a file
  edit <conv> <msg> <text>            edit your message
  unsend <conv> <msg>                 delete your message
  react <conv> <msg> <emoji>          toggle a reaction
  forward <conv> <msg> <target>       forward a message
  direct <user>                       open a direct conversation
  group <name> <user> <user>...       create a group
  rename <conv> <name>                rename a conversation
  delete <conv>                       delete a conversation
  pin|unpin|archive|unarchive|mute|unmute <conv>
  read <conv>                         mark everything read
  watch [conv]                        follow changes until interrupted
`

type stderrToaster struct{}

func (stderrToaster) Error(msg string) { fmt.Fprintln(os.Stderr, "error:", msg) }

func main() {
	logger.SetPrefix("chatctl")
	defer logger.Sync()
	_ = godotenv.Load()

	server := flag.String("server", envOr("CHATCTL_SERVER", "http://localhost:8080"), "chat server base URL")
	token := flag.String("token", os.Getenv("CHATCTL_TOKEN"), "session token (JWT)")
	cookie := flag.String("cookie", envOr("AUTH_COOKIE_NAME", "session"), "session cookie name")
	timeout := flag.Duration("timeout", chatsync.DefaultRequestTimeout, "per-request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := chatsync.NewClient(*server, *cookie, *token, chatsync.WithTimeout(*timeout))
	if err != nil {
		fail(err)
	}
	changed := make(chan struct{}, 1)
	sess, err := chatsync.NewSession(ctx, api, chatsync.Options{
		Toaster: stderrToaster{},
		OnInvalidate: func(...string) {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		fail(err)
	}
	defer sess.Close()

	if err := run(ctx, sess, flag.Arg(0), flag.Args()[1:], changed); err != nil {
		// сообщение сервера уже показано тостом
		if _, shown := chatsync.ServerMessage(err); !shown {
			fail(err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, s *chatsync.Session, cmd string, args []string, changed <-chan struct{}) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s), see chatctl -h", cmd, n)
		}
		return nil
	}
	switch cmd {
	case "me":
		me := s.Viewer()
		fmt.Printf("%s (%s)\n", me.Username, me.ID)
		return nil

	case "users":
		users, err := s.Users(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, u := range users {
			state := "offline"
			if u.IsOnline {
				state = "online"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Username, state)
		}
		return w.Flush()

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		archived := fs.Bool("archived", false, "show the archive")
		query := fs.String("q", "", "search by name or member")
		_ = fs.Parse(args)
		list, err := s.Conversations(ctx, chatsync.ListOptions{Archived: *archived, Query: *query})
		if err != nil {
			return err
		}
		printConversations(list, s.Viewer().ID)
		return nil

	case "show":
		if err := need(1); err != nil {
			return err
		}
		return show(ctx, s, args[0])

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		reply := fs.String("reply", "", "message id to reply to")
		_ = fs.Parse(args)
		args = fs.Args()
		if err := need(2); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		s.SetReplyTo(*reply)
		s.SetInput(ctx, strings.Join(args[1:], " "))
		m, err := s.Send(ctx)
		if err != nil {
			return err
		}
		fmt.Println(m.ID)
		return nil

	case "upload":
		if err := need(2); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := s.Attach(ctx, filepath.Base(args[1]), "", f); err != nil {
			return err
		}
		s.SetInput(ctx, strings.Join(args[2:], " "))
		m, err := s.Send(ctx)
		if err != nil {
			return err
		}
		fmt.Println(m.ID)
		return nil

	case "edit":
		if err := need(3); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		_, err := s.Edit(ctx, args[1], strings.Join(args[2:], " "))
		return err

	case "unsend":
		if err := need(2); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		return s.Unsend(ctx, args[1])

	case "react":
		if err := need(3); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		_, err := s.React(ctx, args[1], args[2])
		return err

	case "forward":
		if err := need(3); err != nil {
			return err
		}
		if err := s.Select(ctx, args[0]); err != nil {
			return err
		}
		m, err := s.Forward(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(m.ID)
		return nil

	case "direct":
		if err := need(1); err != nil {
			return err
		}
		c, err := s.CreateDirect(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(c.ID)
		return nil

	case "group":
		if err := need(3); err != nil {
			return err
		}
		c, err := s.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Println(c.ID)
		return nil

	case "rename":
		if err := need(2); err != nil {
			return err
		}
		_, err := s.Rename(ctx, args[0], strings.Join(args[1:], " "))
		return err

	case "delete":
		if err := need(1); err != nil {
			return err
		}
		return s.DeleteConversation(ctx, args[0])

	case "pin", "unpin", "archive", "unarchive", "mute", "unmute":
		if err := need(1); err != nil {
			return err
		}
		on := !strings.HasPrefix(cmd, "un")
		var err error
		switch strings.TrimPrefix(cmd, "un") {
		case "pin":
			_, err = s.SetPinned(ctx, args[0], on)
		case "archive":
			_, err = s.SetArchived(ctx, args[0], on)
		case "mute":
			_, err = s.SetMuted(ctx, args[0], on)
		}
		return err

	case "read":
		if err := need(1); err != nil {
			return err
		}
		return s.MarkRead(ctx, args[0], "")

	case "watch":
		conv := ""
		if len(args) > 0 {
			conv = args[0]
		}
		return watch(ctx, s, conv, changed)
	}
	return fmt.Errorf("unknown command %q, see chatctl -h", cmd)
}

func printConversations(list []model.Conversation, viewerID string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range list {
		var flags []string
		if c.IsPinned {
			flags = append(flags, "pinned")
		}
		if c.IsMuted {
			flags = append(flags, "muted")
		}
		if c.UnreadCount > 0 {
			flags = append(flags, fmt.Sprintf("%d unread", c.UnreadCount))
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, chatsync.DisplayName(c, viewerID), strings.Join(flags, ","), last)
	}
	_ = w.Flush()
}

func show(ctx context.Context, s *chatsync.Session, convID string) error {
	if err := s.Select(ctx, convID); err != nil {
		return err
	}
	msgs, err := s.Messages(ctx)
	if err != nil {
		return err
	}
	fmt.Print(chatsync.RenderTranscript(msgs, s.Viewer().ID, time.Now(), time.Local))
	if typing := s.Typing(); len(typing) > 0 {
		names := make([]string, 0, len(typing))
		for _, u := range typing {
			names = append(names, u.Name)
		}
		fmt.Printf("%s typing...\n", strings.Join(names, ", "))
	}
	return nil
}

// watch перерисовывает разговор (или список) после каждого события, переподключаясь при обрыве.
func watch(ctx context.Context, s *chatsync.Session, convID string, changed <-chan struct{}) error {
	go func() {
		backoff := time.Second
		for ctx.Err() == nil {
			err := s.Watch(ctx, "")
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("event stream: %v (reconnect in %v)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
		}
	}()
	redraw := func() error {
		fmt.Print("\033[H\033[2J")
		if convID != "" {
			return show(ctx, s, convID)
		}
		list, err := s.Conversations(ctx, chatsync.ListOptions{})
		if err != nil {
			return err
		}
		printConversations(list, s.Viewer().ID)
		return nil
	}
	if err := redraw(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := redraw(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("refresh: %v", err)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "chatctl:", err)
	os.Exit(1)
}
