// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - the interactive chat loop, the stand-in presentation layer.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/hamwisk/HamChat/internal/chat"
	"github.com/hamwisk/HamChat/internal/controller"
	"github.com/hamwisk/HamChat/internal/store"
)

const historyFilename = "repl_history"

// =============================================================================
// REPL
// =============================================================================

// REPL drives the chat facade from a line-oriented prompt. One instance per
// process; it owns one update subscription.
type REPL struct {
	facade   *chat.Facade
	user     *store.User
	dataRoot string
	log      *slog.Logger

	mu        sync.Mutex
	sessionID string
	handle    *controller.Handle
	listed    []string // session ids from the last /sessions listing
}

// NewREPL creates the loop with a fresh draft session for the user.
func NewREPL(f *chat.Facade, user *store.User, dataRoot string, log *slog.Logger) *REPL {
	if log == nil {
		log = slog.Default()
	}
	sess := f.Registry().Create(user.ID)
	return &REPL{
		facade:    f,
		user:      user,
		dataRoot:  dataRoot,
		log:       log.With(slog.String("component", "repl")),
		sessionID: sess.ID,
	}
}

// Run blocks until the user quits or input ends.
func (r *REPL) Run() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := filepath.Join(r.dataRoot, historyFilename)
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	sub := r.facade.Subscribe()
	defer sub.Close()
	go r.printUpdates(sub)

	fmt.Println("hamchat - /help for commands, /quit to exit")
	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.command(input); quit {
				return nil
			}
			continue
		}
		r.send(input)
	}
}

// =============================================================================
// SENDING
// =============================================================================

func (r *REPL) send(text string) {
	var stagedIDs []string
	for _, a := range r.facade.ListStaged() {
		stagedIDs = append(stagedIDs, a.ID)
	}

	h, err := r.facade.SendMessage(r.user.ID, r.currentSession(), text, stagedIDs)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	r.setHandle(h)

	// Block until the reply resolves; Ctrl+C cancels the generation.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case <-h.Done():
	case <-sig:
		r.facade.Cancel(h)
		<-h.Done()
	}
	r.setHandle(nil)

	switch h.State() {
	case controller.StateCancelled:
		fmt.Println("\n(cancelled)")
	case controller.StateErrored:
		fmt.Println("\n(generation failed, see history)")
	default:
		fmt.Println()
	}
}

// printUpdates streams the current reply's text as it grows. Only updates
// for the generation this REPL is waiting on are rendered.
func (r *REPL) printUpdates(sub *chat.Subscription) {
	printed := 0
	for u := range sub.Events() {
		h := r.currentHandle()
		if h == nil || u.SessionID != h.SessionID || u.Seq != h.Seq {
			continue
		}
		if u.State == controller.StateQueued {
			printed = 0
			continue
		}
		if len(u.Content) > printed {
			fmt.Print(u.Content[printed:])
			printed = len(u.Content)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (r *REPL) command(input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Print(`commands:
  /new              start a new session
  /sessions         list your sessions
  /switch <n>       switch to session n from the last listing
  /rename <title>   retitle the current session
  /attach <path>    stage a file on the outgoing draft
  /detach <n>       remove staged attachment n
  /open <n>         print the path of staged attachment n
  /cancel           cancel the in-flight reply
  /quit             exit
`)

	case "/new":
		sess := r.facade.Registry().Create(r.user.ID)
		r.setSession(sess.ID)
		fmt.Println("started a new session")

	case "/sessions":
		metas, err := r.facade.Registry().List(r.user.ID)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		if len(metas) == 0 {
			fmt.Println("no saved sessions")
			return false
		}
		ids := make([]string, len(metas))
		for i, m := range metas {
			ids[i] = m.ID
			fmt.Printf("%3d  %-40s  %d messages\n", i, m.Title, m.MessageCount)
		}
		r.setListed(ids)

	case "/switch":
		idx, ok := r.argIndex(fields)
		if !ok {
			return false
		}
		ids := r.getListed()
		if idx < 0 || idx >= len(ids) {
			fmt.Println("no such session, run /sessions first")
			return false
		}
		history, err := r.facade.SwitchSession(r.user.ID, ids[idx])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		r.setSession(ids[idx])
		for _, m := range history {
			label := string(m.Role)
			if m.Status != store.StatusComplete {
				label += " [" + m.Status.String() + "]"
			}
			fmt.Printf("%s: %s\n", label, m.Content)
		}

	case "/rename":
		if len(fields) < 2 {
			fmt.Println("usage: /rename <title>")
			return false
		}
		title := strings.Join(fields[1:], " ")
		if err := r.facade.Registry().Rename(r.user.ID, r.currentSession(), title); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/attach":
		if len(fields) < 2 {
			fmt.Println("usage: /attach <path>")
			return false
		}
		a, err := r.facade.StageAttachment(strings.Join(fields[1:], " "))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("staged %s (%d bytes, %s)\n", a.OriginalName, a.SizeBytes, a.MIME)

	case "/detach":
		idx, ok := r.argIndex(fields)
		if !ok {
			return false
		}
		if err := r.facade.RemoveStagedAt(idx); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/open":
		idx, ok := r.argIndex(fields)
		if !ok {
			return false
		}
		path, err := r.facade.OpenStagedAt(idx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(path)

	case "/cancel":
		if h := r.currentHandle(); h != nil {
			r.facade.Cancel(h)
		} else {
			fmt.Println("nothing in flight")
		}

	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (r *REPL) argIndex(fields []string) (int, bool) {
	if len(fields) < 2 {
		fmt.Printf("usage: %s <n>\n", fields[0])
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Printf("not a number: %s\n", fields[1])
		return 0, false
	}
	return n, true
}

// =============================================================================
// STATE ACCESSORS
// =============================================================================

func (r *REPL) currentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *REPL) setSession(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

func (r *REPL) currentHandle() *controller.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *REPL) setHandle(h *controller.Handle) {
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
}

func (r *REPL) getListed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listed
}

func (r *REPL) setListed(ids []string) {
	r.mu.Lock()
	r.listed = ids
	r.mu.Unlock()
}
