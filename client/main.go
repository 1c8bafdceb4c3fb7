package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mahaj/meeting-chat/pkg/chatsync"
	"github.com/mahaj/meeting-chat/pkg/logging"
	"github.com/mahaj/meeting-chat/pkg/model"
)

var rootCmd = &cobra.Command{
	Use:           "chat",
	Short:         "Terminal client for a meeting chat channel",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

func init() {
	f := rootCmd.Flags()
	f.String("gateway", "ws://localhost:8080/ws", "gateway websocket url")
	f.String("api", "http://localhost:8081", "api service url")
	f.String("address", "", "your address (required)")
	f.String("name", "", "display name (defaults to the address)")
	f.String("channel", "general", "channel id")
	f.Int("page-size", chatsync.DefaultPageSize, "messages per history page")
	f.Bool("resync", false, "refetch the latest page after every reconnect")
	f.String("log-level", "warn", "log level")
	_ = rootCmd.MarkFlagRequired("address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// gatewayURL checks that raw is a websocket url with a host.
func gatewayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("gateway url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway url %q: missing host", raw)
	}
	return u.String(), nil
}

func runChat(cmd *cobra.Command, args []string) error {
	gateway, _ := cmd.Flags().GetString("gateway")
	apiAddr, _ := cmd.Flags().GetString("api")
	address, _ := cmd.Flags().GetString("address")
	name, _ := cmd.Flags().GetString("name")
	channelID, _ := cmd.Flags().GetString("channel")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	resync, _ := cmd.Flags().GetBool("resync")
	level, _ := cmd.Flags().GetString("log-level")

	wsURL, err := gatewayURL(gateway)
	if err != nil {
		return err
	}
	if name == "" {
		name = address
	}
	me := model.Sender{Address: address, DisplayName: name}
	logger := logging.NewWithWriter(os.Stderr, "client", level, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("address", address).Msg("logging in")
	token, err := chatsync.Login(ctx, apiAddr, me)
	if err != nil {
		return err
	}

	s := chatsync.NewSession(chatsync.Config{
		ChannelID:         channelID,
		Identity:          me,
		PageSize:          pageSize,
		ResyncOnReconnect: resync,
	}, chatsync.NewAPIClient(apiAddr, token), &chatsync.WSDialer{URL: wsURL, Token: token}, logger)

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	out := newPrinter(os.Stdout)
	views := s.Subscribe()
	go func() {
		for v := range views {
			out.render(v)
		}
	}()

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
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			in := parseInput(line)
			if in.action == actionQuit {
				return nil
			}
			if err := in.run(ctx, s); err != nil {
				out.notice(err)
			}
		}
	}
}

type action int

const (
	actionNone action = iota
	actionSend
	actionMore
	actionRefresh
	actionEdit
	actionDelete
	actionTyping
	actionQuit
	actionInvalid
)

type input struct {
	action action
	id     int64
	text   string
}

var errUsage = errors.New("usage: /more | /refresh | /edit <id> <text> | /delete <id> | /typing | /quit")

func parseInput(line string) input {
	line = strings.TrimSpace(line)
	if line == "" {
		return input{action: actionNone}
	}
	if !strings.HasPrefix(line, "/") {
		return input{action: actionSend, text: line}
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "/more":
		return input{action: actionMore}
	case "/refresh":
		return input{action: actionRefresh}
	case "/typing":
		return input{action: actionTyping}
	case "/quit":
		return input{action: actionQuit}
	case "/delete":
		var id int64
		if _, err := fmt.Sscan(rest, &id); err != nil || id <= 0 {
			return input{action: actionInvalid}
		}
		return input{action: actionDelete, id: id}
	case "/edit":
		idStr, text, _ := strings.Cut(rest, " ")
		var id int64
		if _, err := fmt.Sscan(idStr, &id); err != nil || id <= 0 || strings.TrimSpace(text) == "" {
			return input{action: actionInvalid}
		}
		return input{action: actionEdit, id: id, text: strings.TrimSpace(text)}
	}
	return input{action: actionInvalid}
}

func (in input) run(ctx context.Context, s *chatsync.Session) error {
	switch in.action {
	case actionSend:
		return s.Send(ctx, in.text)
	case actionMore:
		return s.LoadMore(ctx)
	case actionRefresh:
		return s.Refresh(ctx)
	case actionEdit:
		return s.Edit(ctx, in.id, in.text)
	case actionDelete:
		return s.Delete(ctx, in.id)
	case actionTyping:
		return s.Typing(ctx)
	case actionInvalid:
		return errUsage
	}
	return nil
}
