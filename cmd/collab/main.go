// Command collab is a terminal client for the collaboration relay, used
// for smoke-testing a deployment: it joins a document, prints presence and
// lock events, and broadcasts lines typed on stdin as edits to one section.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"manuscript-collab/internal/config"
	"manuscript-collab/internal/protocol"
	"manuscript-collab/internal/session"
)

func main() {
	var (
		configPath string
		relayURL   string
		documentID string
		sectionID  string
		userID     string
		username   string
	)

	root := &cobra.Command{
		Use:   "collab",
		Short: "Terminal client for the collaboration relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, relayURL, documentID, sectionID, userID, username)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "collabd.yaml", "path to configuration file")
	root.Flags().StringVar(&relayURL, "relay", "ws://localhost:8081", "relay base URL")
	root.Flags().StringVar(&documentID, "document", "", "document to join")
	root.Flags().StringVar(&sectionID, "section", "abstract", "section to edit")
	root.Flags().StringVar(&userID, "user", "", "user ID")
	root.Flags().StringVar(&username, "name", "", "display name")
	root.MarkFlagRequired("document")
	root.MarkFlagRequired("user")

	if err := root.Execute(); err != nil {
		slog.Error("collab exited", "err", err)
		os.Exit(1)
	}
}

// printHandler renders session events to the terminal.
type printHandler struct {
	session.NopHandler
	done chan struct{}
	once sync.Once
}

func (h *printHandler) ConnectionStateChanged(state session.ConnectionState) {
	fmt.Printf("* connection: %s\n", state)
}

func (h *printHandler) ConnectionFailed(err error) {
	fmt.Printf("* connection lost for good: %v\n", err)
	h.once.Do(func() { close(h.done) })
}

func (h *printHandler) CollaboratorsChanged(collaborators []protocol.Collaborator) {
	fmt.Printf("* %d collaborator(s) online\n", len(collaborators))
	for _, c := range collaborators {
		fmt.Printf("  - %s (locks: %v)\n", c.Username, c.LockedSections)
	}
}

func (h *printHandler) UserJoined(userID, username string) {
	fmt.Printf("* %s joined\n", username)
}

func (h *printHandler) UserLeft(userID, username string) {
	fmt.Printf("* %s left\n", username)
}

func (h *printHandler) SectionLocked(section, userID, username string) {
	fmt.Printf("* section %q locked by %s\n", section, username)
}

func (h *printHandler) SectionUnlocked(section, userID, username string) {
	fmt.Printf("* section %q unlocked\n", section)
}

func (h *printHandler) RemoteChangeApplied(section, content string) {
	fmt.Printf("* section %q now reads:\n%s\n", section, content)
}

func (h *printHandler) ErrorReceived(message string) {
	fmt.Printf("* relay error: %s\n", message)
}

// lineEditor is the editor behind the terminal client: a single-section
// buffer that reports itself as never focused, so every settled peer edit
// replaces it and gets rendered.
type lineEditor struct {
	mu      sync.Mutex
	section string
	content string
}

func (e *lineEditor) ActiveSection() string { return e.section }

func (e *lineEditor) Focused() bool { return false }

func (e *lineEditor) Content(section string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if section != e.section {
		return ""
	}
	return e.content
}

func (e *lineEditor) Caret() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.content)
}

func (e *lineEditor) Apply(section, content string, caret int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if section != e.section {
		return
	}
	e.content = content
}

// appendLine adds one typed line to the buffer and returns the new content.
func (e *lineEditor) appendLine(line string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.content != "" {
		e.content += "\n"
	}
	e.content += line
	return e.content
}

func run(configPath, relayURL, documentID, sectionID, userID, username string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if username == "" {
		username = userID
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	var cache *session.SnapshotCache
	if err := os.MkdirAll(filepath.Join(cacheDir, "collab"), 0o755); err == nil {
		cache, err = session.OpenSnapshotCache(filepath.Join(cacheDir, "collab", "snapshots.db"))
		if err != nil {
			slog.Warn("snapshot cache unavailable", "err", err)
		}
	}
	if cache != nil {
		defer cache.Close()
	}

	handler := &printHandler{done: make(chan struct{})}
	editor := &lineEditor{section: sectionID}

	s := session.New(session.Config{
		URL:                  relayURL + "/ws/" + documentID,
		DocumentID:           documentID,
		UserID:               userID,
		Username:             username,
		Handler:              handler,
		Editor:               editor,
		Debounce:             cfg.Client.Debounce.Std(),
		ReconnectBaseDelay:   cfg.Client.ReconnectBaseDelay.Std(),
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		LockPollInterval:     cfg.Client.LockPollInterval.Std(),
		Cache:                cache,
	})
	defer s.Close()

	s.Connect()
	s.FocusSection(sectionID)

	fmt.Printf("editing %s/%s as %s; type lines, ^D to quit\n", documentID, sectionID, username)

	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-input:
			if !ok {
				s.Blur()
				return nil
			}
			s.Edit(sectionID, editor.appendLine(line))
		case <-handler.done:
			return session.ErrReconnectExhausted
		}
	}
}
