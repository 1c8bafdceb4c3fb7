package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mahaj/meeting-chat/pkg/chatsync"
	"github.com/mahaj/meeting-chat/pkg/logging"
	"github.com/mahaj/meeting-chat/pkg/model"
)

// Logs in and walks a channel's history from newest to oldest page,
// checking that pages come back ascending and do not overlap.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	channelID := flag.String("channel", "general", "channel id")
	pageSize := flag.Int("page-size", 20, "messages per page")
	flag.Parse()

	logger := logging.New("verify-api", "info", true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	token, err := chatsync.Login(ctx, *apiAddr, model.Sender{Address: "verify@example.com", DisplayName: "Verifier"})
	if err != nil {
		logger.Fatal().Err(err).Msg("login failed")
	}
	loader := chatsync.NewHistoryLoader(chatsync.NewAPIClient(*apiAddr, token))

	page, err := loader.LoadInitial(ctx, *channelID, *pageSize)
	var pages, total int
	var oldest *model.ChatMessage
	for {
		if err != nil {
			logger.Fatal().Err(err).Int("page", pages).Msg("history request failed")
		}
		pages++
		total += len(page.Messages)
		for i := 1; i < len(page.Messages); i++ {
			if page.Messages[i].Before(&page.Messages[i-1]) {
				logger.Fatal().Int("page", pages).Int64("message_id", page.Messages[i].ID).Msg("page is not ascending")
			}
		}
		if n := len(page.Messages); n > 0 {
			last := page.Messages[n-1]
			if oldest != nil && !last.Before(oldest) {
				logger.Fatal().Int("page", pages).Msg("page overlaps the newer page")
			}
			oldest = &page.Messages[0]
		}
		if !page.HasMore || oldest == nil {
			break
		}
		page, err = loader.LoadBefore(ctx, *channelID, model.CursorOf(oldest), *pageSize)
	}

	fmt.Fprintf(os.Stdout, "%s: %d messages in %d pages\n", *channelID, total, pages)
}
