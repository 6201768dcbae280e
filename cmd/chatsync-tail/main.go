// Command chatsync-tail logs in, follows one conversation and prints its
// messages as they settle. Lines read from stdin are sent to it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/core"
)

func main() {
	configPath := flag.String("config", "", "directory holding chatsync.yaml; environment variables and .env are used when empty")
	conversation := flag.String("conversation", "", "conversation to follow, direct:<user id> or channel:<channel id>")
	flag.Parse()

	key, err := core.ParseConversationKey(*conversation)
	if err != nil {
		log.Fatalf("conversation: %v", err)
	}

	var loader chatsync.ConfigLoader = &chatsync.EnvConfigLoader{}
	if *configPath != "" {
		loader = &chatsync.FileConfigLoader{Path: *configPath}
	}
	config, err := loader.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprint(os.Stderr, chatsync.FormatValidationErrors(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := chatsync.Login(ctx, config)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	defer session.Logout()

	session.OnStateChange(func(change core.StateChange) {
		fmt.Fprintf(os.Stderr, "* %s -> %s\n", change.From, change.To)
	})

	printed := make(map[string]struct{})
	updates := make(chan struct{}, 1)
	view, err := session.OpenConversation(ctx, key, func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Fatalf("open %s: %v", key, err)
	}
	defer view.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	show := func() {
		messages, err := view.Messages(ctx)
		if err != nil {
			return
		}
		for _, m := range messages {
			if m.Pending {
				continue
			}
			if _, ok := printed[m.ID]; ok {
				continue
			}
			printed[m.ID] = struct{}{}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content)
		}
	}
	show()

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			show()
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if _, err := view.Send(ctx, line, core.TextMessage); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}
