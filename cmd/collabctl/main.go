package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codecollab/internal/client"
	"codecollab/internal/protocol"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	userID      string
	documentID  string
	displayName string
	heartbeat   time.Duration
	waitFor     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "collabctl",
	Short: "Command line client for the collaborative editing coordinator",
	Long: `collabctl joins a shared document as one editor. Use "watch" to follow a
room live and "edit" to take the lock, replace the document and hand the lock back.`,
	SilenceUsage: true,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a document and print everything that happens in its room",
	RunE:  runWatch,
}

var editCmd = &cobra.Command{
	Use:   "edit <file>",
	Short: "Replace a document with the contents of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdit,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "url", "http://localhost:8080", "coordinator base URL")
	flags.StringVar(&userID, "user", "", "user id to join as")
	flags.StringVar(&documentID, "document", "", "document to join")
	flags.StringVar(&displayName, "name", "", "display name (defaults to the user id)")
	flags.DurationVar(&heartbeat, "heartbeat", 15*time.Second, "interval between keep-alive pings")
	rootCmd.MarkPersistentFlagRequired("user")
	rootCmd.MarkPersistentFlagRequired("document")

	editCmd.Flags().DurationVar(&waitFor, "wait", 10*time.Second, "how long to wait for the lock and the acknowledgement")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(editCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// endpoints derives the websocket and beacon URLs from the base URL.
func endpoints(base string) (ws, beacon string) {
	base = strings.TrimRight(base, "/")
	beacon = base + "/api/stop-editing"
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		ws = base
	}
	return ws + "/ws/document/" + documentID, beacon
}

func newCoordinator(onEvent func(client.Event)) *client.Coordinator {
	wsURL, beaconURL := endpoints(serverURL)
	return client.New(client.Options{
		URL:               wsURL,
		BeaconURL:         beaconURL,
		UserID:            userID,
		DocumentID:        documentID,
		DisplayName:       displayName,
		HeartbeatInterval: heartbeat,
		OnEvent:           onEvent,
	})
}

func describe(msg protocol.Outbound) string {
	switch m := msg.(type) {
	case protocol.Collaborators:
		names := make([]string, 0, len(m.Collaborators))
		for _, c := range m.Collaborators {
			name := c.DisplayName
			if c.IsEditing {
				name += "*"
			}
			names = append(names, name)
		}
		return fmt.Sprintf("collaborators: %s", strings.Join(names, ", "))
	case protocol.EditStarted:
		return fmt.Sprintf("%s started editing", m.DisplayName)
	case protocol.EditStopped:
		return fmt.Sprintf("%s stopped editing", m.UserID)
	case protocol.UserJoined:
		return fmt.Sprintf("%s joined", m.DisplayName)
	case protocol.UserLeft:
		return fmt.Sprintf("%s left", m.DisplayName)
	case protocol.CodeBroadcast:
		author := m.UserID
		if author == "" {
			author = "stored version"
		}
		return fmt.Sprintf("code from %s (%d bytes)", author, len(m.Code))
	case protocol.CursorBroadcast:
		return fmt.Sprintf("%s cursor at %d:%d", m.UserID, m.Position.Line, m.Position.Column)
	case protocol.ChatBroadcast:
		return fmt.Sprintf("<%s> %s", m.UserID, m.Message)
	case protocol.CodePersisted:
		return fmt.Sprintf("revision %d stored as version %d", m.Revision, m.Version)
	case protocol.Warning:
		return fmt.Sprintf("warning %s: %s", m.Code, m.Message)
	case protocol.Error:
		return fmt.Sprintf("error %s: %s", m.Code, m.Message)
	default:
		return string(msg.Kind())
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	coordinator := newCoordinator(func(e client.Event) {
		switch e.Kind {
		case client.EventMessage:
			if _, isPong := e.Message.(protocol.Pong); !isPong {
				fmt.Println(describe(e.Message))
			}
		case client.EventDisconnected:
			fmt.Println("-- disconnected, reconnecting")
		}
	})

	if err := coordinator.Start(cmd.Context()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return coordinator.Close()
}

func runEdit(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	persisted := make(chan int64, 1)
	coordinator := newCoordinator(func(e client.Event) {
		if m, ok := e.Message.(protocol.CodePersisted); ok {
			select {
			case persisted <- m.Version:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Close()

	if err := coordinator.RequestEdit(ctx); err != nil {
		var denied *client.LockDeniedError
		if errors.As(err, &denied) {
			return fmt.Errorf("%s is editing %s right now", denied.CurrentEditor, documentID)
		}
		return fmt.Errorf("failed to acquire edit lock: %w", err)
	}

	if err := coordinator.LocalEdit(string(content)); err != nil {
		return err
	}
	if err := coordinator.StopEdit(ctx); err != nil {
		return fmt.Errorf("failed to release edit lock: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for coordinator.HasUnsavedChanges() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("edit was not acknowledged: %w", ctx.Err())
		}
	}

	select {
	case version := <-persisted:
		log.Printf("✓ %s saved as version %d", documentID, version)
	case <-ctx.Done():
		log.Printf("✓ %s accepted; storage did not confirm within %s", documentID, waitFor)
	}
	return nil
}
