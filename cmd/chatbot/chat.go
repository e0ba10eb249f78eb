package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/usecase"
)

const previewRunes = 50

type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

type chatService interface {
	SendMessage(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	Session(ctx context.Context, sessionID string) (usecase.SessionSummary, error)
}

func (c *cli) newChatCmd() *cobra.Command {
	var sessionID, modelID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Keep the prompt readable: only warnings and errors reach stderr.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			a, err := newApp(cmd.Context(), c.cfg, logger)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error initializing chatbot: %v\n", err)
				fmt.Fprintln(cmd.ErrOrStderr(), "Check that AWS credentials are configured, Bedrock access is enabled and the table exists (chatbot setup).")
				return err
			}
			defer a.Close()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			return runREPL(cmd.Context(), line, cmd.OutOrStdout(), a.chat, sessionID, modelID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&modelID, "model", "", "model id for this conversation")
	return cmd
}

func runREPL(ctx context.Context, in prompter, out io.Writer, svc chatService, sessionID, modelID string) error {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "AWS Bedrock Chatbot with DynamoDB Storage")
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "Type 'quit', 'exit', or 'bye' to end the conversation.")
	fmt.Fprintln(out, "Type 'history' to see conversation history.")
	fmt.Fprintln(out, "Type 'summary' to see session summary.")
	fmt.Fprintln(out, strings.Repeat("-", 60))

	for {
		input, err := in.Prompt("You: ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			printGoodbye(ctx, out, svc, sessionID)
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			fmt.Fprintln(out, "Please enter a message.")
			continue
		}
		in.AppendHistory(input)

		switch strings.ToLower(input) {
		case "quit", "exit", "bye":
			printGoodbye(ctx, out, svc, sessionID)
			return nil
		case "history":
			printHistory(ctx, out, svc, sessionID)
		case "summary":
			printSummary(ctx, out, svc, sessionID)
		default:
			resp, err := svc.SendMessage(ctx, usecase.ChatInput{Message: input, SessionID: sessionID, ModelID: modelID})
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			sessionID = resp.SessionID
			fmt.Fprintf(out, "\nAssistant: %s\n\n", resp.Reply)
		}
	}
}

func printGoodbye(ctx context.Context, out io.Writer, svc chatService, sessionID string) {
	fmt.Fprintln(out, "\nGoodbye!")
	if sessionID == "" {
		return
	}
	if s, err := svc.Session(ctx, sessionID); err == nil {
		fmt.Fprintf(out, "Session Summary: %d messages exchanged\n", s.UserMessages)
	}
	fmt.Fprintf(out, "Session ID: %s\n", sessionID)
}

func printHistory(ctx context.Context, out io.Writer, svc chatService, sessionID string) {
	if sessionID == "" {
		fmt.Fprintln(out, "No conversation yet.")
		return
	}
	turns, err := svc.History(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(out, "Could not retrieve history: %v\n", err)
		return
	}
	fmt.Fprintf(out, "\nConversation History (%d messages):\n", len(turns))
	for _, t := range turns {
		fmt.Fprintf(out, "  [%s] %s: %s\n", t.Timestamp.Format("2006-01-02T15:04:05Z07:00"), t.Role, preview(t.Content))
	}
}

func printSummary(ctx context.Context, out io.Writer, svc chatService, sessionID string) {
	if sessionID == "" {
		fmt.Fprintln(out, "No conversation yet.")
		return
	}
	s, err := svc.Session(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(out, "Could not load session: %v\n", err)
		return
	}
	fmt.Fprintln(out, "\nSession Summary:")
	fmt.Fprintf(out, "  session_id: %s\n", s.ID)
	fmt.Fprintf(out, "  region: %s\n", s.Region)
	fmt.Fprintf(out, "  model: %s\n", s.Model)
	fmt.Fprintf(out, "  user_messages: %d\n", s.UserMessages)
	fmt.Fprintf(out, "  ai_messages: %d\n", s.AssistantMessages)
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}
