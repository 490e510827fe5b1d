package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/chatclient"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/conversation"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "DUET_CHAT"

func main() {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "duet-chat",
		Short: "Terminal client for a duet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), settings, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.String("server", "http://localhost:3000", "Server base URL")
	flags.String("email", "", "Account email")
	flags.String("password", "", "Account password")
	flags.String("name", "", "Full name; when set a new account is created")
	flags.String("with", "", "Counterpart email or user id")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	if err := settings.BindPFlags(flags); err != nil {
		panic(err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(ctx context.Context, settings *viper.Viper, in io.Reader, out io.Writer) error {
	email := strings.TrimSpace(settings.GetString("email"))
	password := settings.GetString("password")
	if email == "" || password == "" {
		return errors.New("--email and --password are required")
	}

	logger, err := logging.NewLogger(settings.GetString("log-level"), "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := chatclient.NewClient(chatclient.Config{BaseURL: settings.GetString("server"), Logger: logger})
	if err != nil {
		return err
	}
	var session chatclient.Session
	if name := strings.TrimSpace(settings.GetString("name")); name != "" {
		session, err = client.Signup(ctx, name, email, password)
	} else {
		session, err = client.Login(ctx, email, password)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signed in as %s (%s)\n", session.User.FullName, session.User.ID)

	contacts, err := client.Contacts(ctx)
	if err != nil {
		return err
	}
	counterpart, err := pickCounterpart(contacts, settings.GetString("with"))
	if err != nil {
		printContacts(out, contacts)
		return err
	}

	view := &terminalView{out: out, names: contactNames(session.User, contacts)}
	refresh := make(chan struct{}, 1)
	chat, err := chatclient.OpenSession(ctx, chatclient.SessionConfig{
		Client: client,
		Logger: logger,
		Events: chatclient.Events{
			Changed: func() {
				select {
				case refresh <- struct{}{}:
				default:
				}
			},
			Failed: func(failure conversation.Failure) {
				view.printf("! send failed: %v\n", failure.Err)
			},
			OnlineUsers: func(userIDs []string) {
				view.printf("* online: %d user(s)\n", len(userIDs))
			},
		},
	})
	if err != nil {
		return err
	}
	defer chat.Close() //nolint:errcheck

	if err := chat.Select(ctx, counterpart.ID); err != nil {
		return err
	}
	view.printf("chatting with %s; type a message and press enter, /quit to leave\n", counterpart.FullName)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh:
			view.render(chat.Messages())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return client.Logout(ctx)
			}
			if _, err := chat.Send(ctx, conversation.Draft{Text: line}); err != nil {
				logger.Debug("send failed", zap.Error(err))
			}
		}
	}
}

func pickCounterpart(contacts []users.User, with string) (users.User, error) {
	with = strings.TrimSpace(with)
	if with == "" {
		return users.User{}, errors.New("--with is required")
	}
	for _, contact := range contacts {
		if contact.ID == with || strings.EqualFold(contact.Email, with) {
			return contact, nil
		}
	}
	return users.User{}, fmt.Errorf("no contact matches %q", with)
}

func printContacts(out io.Writer, contacts []users.User) {
	fmt.Fprintln(out, "contacts:")
	for _, contact := range contacts {
		fmt.Fprintf(out, "  %s <%s> %s\n", contact.FullName, contact.Email, contact.ID)
	}
}

func contactNames(self users.User, contacts []users.User) map[string]string {
	names := map[string]string{self.ID: "you"}
	for _, contact := range contacts {
		names[contact.ID] = contact.FullName
	}
	return names
}

type terminalView struct {
	mu       sync.Mutex
	out      io.Writer
	names    map[string]string
	rendered map[string]bool
}

func (v *terminalView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

// render prints confirmed entries not yet shown. Pending entries are skipped.
func (v *terminalView) render(entries []conversation.Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rendered == nil {
		v.rendered = make(map[string]bool)
	}
	for _, entry := range entries {
		if entry.State == conversation.StatePending || v.rendered[entry.Message.ID] {
			continue
		}
		v.rendered[entry.Message.ID] = true
		body := entry.Message.Text
		if entry.Message.ImageURL != "" {
			body = strings.TrimSpace(body + " [image " + entry.Message.ImageURL + "]")
		}
		fmt.Fprintf(v.out, "[%s] %s: %s\n",
			entry.Message.CreatedAt.Local().Format("15:04"),
			v.names[entry.Message.SenderID], body)
	}
}
