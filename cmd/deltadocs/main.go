package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/xxuejie/go-delta-docs/editor"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/logger"
	"github.com/xxuejie/go-delta-docs/server"
	"github.com/xxuejie/go-delta-docs/share"
)

const version = "0.1.0"

const usage = `Collaborative rich-text documents.

Run the server with "deltadocs serve [flags]", see "deltadocs serve -h".

Usage:
    deltadocs register <username> <email> [options]
    deltadocs login <email> [options]
    deltadocs logout [options]
    deltadocs list [options]
    deltadocs create [<title>...] [options]
    deltadocs delete <id> [options]
    deltadocs share <id> <email> [options]
    deltadocs edit <id> [--title=<title>] [--content_delay=<duration>] [--title_delay=<duration>] [options]
    deltadocs discover [--wait=<duration>] [options]
    deltadocs -h | --help
    deltadocs --version

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --server=<url>              Server base URL, $DELTADOCS_URL or http://localhost:8080.
    --session=<path>            Where the login session is kept, $DELTADOCS_SESSION.
    --log_level=<level>         Log level [default: warn].
    --title=<title>             Rename the document.
    --content_delay=<duration>  Idle time before content is saved [default: 2s].
    --title_delay=<duration>    Idle time before the title is saved [default: 1s].
    --wait=<duration>           How long to browse the local network [default: 3s].`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		err = serve(ctx, os.Args[2:])
	} else {
		opts, parseErr := docopt.ParseArgs(usage, os.Args[1:], version)
		if parseErr != nil {
			err = fmt.Errorf("%w: %v", errs.ErrValidation, parseErr)
		} else {
			err = runClient(ctx, opts)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errs.UserMessage(err, err.Error()))
		os.Exit(1)
	}
}

func serve(ctx context.Context, args []string) error {
	config, err := server.LoadConfig(args)
	if err != nil {
		return err
	}
	logData, err := logger.New().FromPath(config.LogPath).WithLevel(config.LogLevel).Make()
	if err != nil {
		return err
	}
	defer logData.Close()

	s, err := server.New(ctx, config, logData.Logger)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func optString(opts docopt.Opts, key, env, fallback string) string {
	if value, err := opts.String(key); err == nil && value != "" {
		return value
	}
	if value := os.Getenv(env); value != "" {
		return value
	}
	return fallback
}

func optDuration(opts docopt.Opts, key string) (time.Duration, error) {
	value, _ := opts.String(key)
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errs.ErrValidation, key, err)
	}
	return d, nil
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "deltadocs-session.db"
	}
	return filepath.Join(dir, "deltadocs", "session.db")
}

func runClient(ctx context.Context, opts docopt.Opts) error {
	if discover, _ := opts.Bool("discover"); discover {
		return discoverServers(ctx, opts)
	}

	logLevel, _ := opts.String("--log_level")
	logData, err := logger.New().FromBuffer(zerolog.ConsoleWriter{Out: os.Stderr}).WithLevel(logLevel).Make()
	if err != nil {
		return err
	}

	sessionPath := optString(opts, "--session", "DELTADOCS_SESSION", defaultSessionPath())
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return err
	}
	sessions, err := editor.OpenBoltSessionStore(sessionPath)
	if err != nil {
		return err
	}
	defer sessions.Close()

	serverURL := optString(opts, "--server", "DELTADOCS_URL", "http://localhost:8080")
	client := editor.NewClient(serverURL, sessions, logData.Logger)

	id, _ := opts.String("<id>")
	email, _ := opts.String("<email>")

	if register, _ := opts.Bool("register"); register {
		username, _ := opts.String("<username>")
		s, err := client.Register(ctx, username, email, readPassword())
		if err != nil {
			return err
		}
		fmt.Printf("registered as %s\n", s.Username)
	} else if login, _ := opts.Bool("login"); login {
		s, err := client.Login(ctx, email, readPassword())
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", s.Username)
	} else if logout, _ := opts.Bool("logout"); logout {
		return client.Logout()
	} else if list, _ := opts.Bool("list"); list {
		docs, err := client.List(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Printf("%s\t%s\t%s\n", d.ID, d.UpdatedAt.Format(time.RFC3339), d.Title)
		}
	} else if create, _ := opts.Bool("create"); create {
		words, _ := opts["<title>"].([]string)
		d, err := client.Create(ctx, strings.Join(words, " "))
		if err != nil {
			return err
		}
		fmt.Println(d.ID)
	} else if del, _ := opts.Bool("delete"); del {
		return client.Delete(ctx, id)
	} else if shareCmd, _ := opts.Bool("share"); shareCmd {
		return shareDocument(ctx, share.NewAuthorizer(client, logData.Logger), id, email)
	} else if editCmd, _ := opts.Bool("edit"); editCmd {
		contentDelay, err := optDuration(opts, "--content_delay")
		if err != nil {
			return err
		}
		titleDelay, err := optDuration(opts, "--title_delay")
		if err != nil {
			return err
		}
		title, _ := opts.String("--title")
		return edit(ctx, client, id, title, editor.Options{ContentDelay: contentDelay, TitleDelay: titleDelay})
	}
	return nil
}

func discoverServers(ctx context.Context, opts docopt.Opts) error {
	wait, err := optDuration(opts, "--wait")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	peers, err := editor.Discover(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("%s\t%s\n", p.URL, p.Instance)
	}
	return nil
}

func shareDocument(ctx context.Context, sharer *share.Authorizer, id, email string) error {
	result, err := sharer.Share(ctx, id, email)
	if err != nil {
		if result.Granted {
			fmt.Println("access granted, but the invitation was not sent")
		}
		return err
	}
	fmt.Println(share.MessageShared)
	return nil
}

// edit appends every stdin line to the end of the document, which keeps
// receiving what collaborators type in the meantime.
func edit(ctx context.Context, client *editor.Client, id, title string, opts editor.Options) error {
	opts.OnAlert = func(message string) {
		fmt.Fprintln(os.Stderr, message)
	}
	e, err := client.Open(ctx, id, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	if title != "" {
		if err := e.SetTitle(title); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "editing %q, %d characters\n", e.Title(), e.Surface().Length())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return e.Save(context.Background())
		case line, ok := <-lines:
			if !ok {
				return e.Save(ctx)
			}
			if err := e.Surface().InsertText(e.Surface().Length(), line+"\n", nil); err != nil {
				return err
			}
		}
	}
}

// readPassword prompts on a terminal and takes the first line otherwise, so
// it can be piped in.
func readPassword() string {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "password: ")
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return string(password)
		}
	}
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}
