package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okonma/parley/internal/convo"
	"github.com/okonma/parley/internal/presenter"
	"github.com/okonma/parley/internal/thread"
	"github.com/okonma/parley/internal/title"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session in the terminal",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	repl := &chatREPL{
		app: a,
		session: presenter.NewSession(title.Options{
			MaxLength:   cfg.TitleMaxLength,
			Placeholder: cfg.TitlePlaceholder,
		}),
		placeholder: cfg.TitlePlaceholder,
		out:         os.Stdout,
	}

	threads, err := a.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading threads: %w", err)
	}
	repl.session.Load(threads)
	if active := repl.session.Active(); !active.Unsaved {
		msgs, err := a.Store.Messages(ctx, active.ID)
		if err != nil {
			return fmt.Errorf("loading messages: %w", err)
		}
		repl.session.LoadMessages(active.ID, msgs)
	}

	fmt.Printf("parley %s (model: %s)\n", Version, cfg.Model)
	fmt.Println("Type a message, or /help for commands.")
	fmt.Println()

	return repl.loop(ctx)
}

// chatREPL drives a presenter session from terminal input.
type chatREPL struct {
	app         *app
	session     *presenter.Session
	placeholder string
	out         io.Writer
}

func (r *chatREPL) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		active := r.session.Active()
		fmt.Fprintf(r.out, "[%s] > ", active.Title)

		if !scanner.Scan() {
			fmt.Fprintln(r.out, "\ngoodbye")
			break
		}
		if ctx.Err() != nil {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := r.command(ctx, input); quit {
				break
			}
			continue
		}
		r.sendTurn(ctx, input)
	}
	return scanner.Err()
}

// command handles a slash command and reports whether the loop should exit.
func (r *chatREPL) command(ctx context.Context, input string) bool {
	verb, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/exit", "/quit":
		return true
	case "/help":
		fmt.Fprintln(r.out, `Commands:
  /new              start a new conversation
  /list             list conversations
  /open <n>         switch to conversation n from /list
  /rename <title>   rename the current conversation
  /delete           delete the current conversation
  /search <text>    filter the conversation list
  /exit             quit`)
	case "/new":
		r.session.Deactivate()
		fmt.Fprintln(r.out, "started a new conversation")
	case "/list":
		r.printThreads()
	case "/open":
		r.open(ctx, rest)
	case "/rename":
		r.rename(ctx, rest)
	case "/delete":
		r.deleteActive(ctx)
	case "/search":
		r.search(ctx, rest)
	default:
		fmt.Fprintf(r.out, "unknown command %s (try /help)\n", verb)
	}
	return false
}

// search narrows the thread list. The session filter only sees message logs
// that have been hydrated, so the store runs the content match and the
// matching logs are loaded before filtering.
func (r *chatREPL) search(ctx context.Context, query string) {
	if query != "" {
		matches, err := r.app.Store.Search(ctx, query)
		if err != nil {
			fmt.Fprintf(r.out, "error searching: %v\n", err)
			return
		}
		for _, t := range matches {
			msgs, err := r.app.Store.Messages(ctx, t.ID)
			if err != nil {
				continue
			}
			r.session.LoadMessages(t.ID, msgs)
		}
	}
	r.session.SetFilter(query)
	r.printThreads()
}

func (r *chatREPL) printThreads() {
	for i, t := range r.session.Threads() {
		marker := " "
		if t.ID == r.session.Active().ID && !t.Unsaved {
			marker = "*"
		}
		if t.Unsaved {
			fmt.Fprintf(r.out, "%s %d. %s (unsaved)\n", marker, i+1, t.Title)
			continue
		}
		fmt.Fprintf(r.out, "%s %d. %s (%s)\n", marker, i+1, t.Title, t.UpdatedAt.Format("Jan 2 15:04"))
	}
}

func (r *chatREPL) open(ctx context.Context, arg string) {
	n, err := strconv.Atoi(arg)
	threads := r.session.Threads()
	if err != nil || n < 1 || n > len(threads) {
		fmt.Fprintf(r.out, "usage: /open <1..%d>\n", len(threads))
		return
	}
	target := threads[n-1]
	if target.Unsaved {
		return
	}
	r.session.SetActive(target.ID)
	msgs, err := r.app.Store.Messages(ctx, target.ID)
	if err != nil {
		fmt.Fprintf(r.out, "error loading messages: %v\n", err)
		return
	}
	r.session.LoadMessages(target.ID, msgs)
	r.printMessages()
}

func (r *chatREPL) printMessages() {
	for _, m := range r.session.Messages() {
		label := "you"
		if m.Role == thread.RoleAssistant {
			label = "assistant"
		}
		suffix := ""
		if m.Interrupted {
			suffix = " [interrupted]"
		}
		fmt.Fprintf(r.out, "%s: %s%s\n", label, m.Content, suffix)
	}
}

func (r *chatREPL) rename(ctx context.Context, titleArg string) {
	active := r.session.Active()
	if active.Unsaved {
		fmt.Fprintln(r.out, "nothing to rename yet")
		return
	}
	if err := r.app.Store.Rename(ctx, active.ID, titleArg); err != nil {
		if errors.Is(err, thread.ErrEmptyContent) {
			fmt.Fprintln(r.out, "usage: /rename <title>")
			return
		}
		fmt.Fprintf(r.out, "error renaming: %v\n", err)
		return
	}
	r.session.Apply(presenter.ThreadRenamed{ThreadID: active.ID, Title: strings.TrimSpace(titleArg)})
}

func (r *chatREPL) deleteActive(ctx context.Context) {
	active := r.session.Active()
	if active.Unsaved {
		return
	}
	if _, err := r.app.Store.Delete(ctx, active.ID); err != nil {
		fmt.Fprintf(r.out, "error deleting: %v\n", err)
		return
	}
	r.session.Apply(presenter.ThreadDeleted{ThreadID: active.ID})
	fmt.Fprintf(r.out, "deleted %q\n", active.Title)
}

// sendTurn runs one conversation turn, streaming the reply to the terminal
// and folding the outcome into the session.
func (r *chatREPL) sendTurn(ctx context.Context, text string) {
	active := r.session.Active()
	threadID := active.ID
	if active.Unsaved {
		th, err := r.app.Store.Create(ctx, r.placeholder)
		if err != nil {
			fmt.Fprintf(r.out, "error creating conversation: %v\n", err)
			return
		}
		r.session.Apply(presenter.ThreadCreated{Thread: th})
		threadID = th.ID
	}

	fmt.Fprint(r.out, "assistant: ")
	result, err := r.app.Orch.Send(ctx, convo.Request{ThreadID: threadID, Text: text}, func(fragment string) {
		r.session.Apply(presenter.Fragment{ThreadID: threadID, Text: fragment})
		fmt.Fprint(r.out, fragment)
	})
	if err != nil {
		fmt.Fprintf(r.out, "\nerror: %v\n", err)
		r.session.Apply(presenter.TurnInterrupted{ThreadID: threadID})
		return
	}
	fmt.Fprintln(r.out)

	r.session.Apply(presenter.MessageAppended{Message: result.UserMessage})
	r.session.Apply(presenter.ThreadRenamed{ThreadID: result.ThreadID, Title: result.Title})

	switch result.State {
	case convo.StateCommitted:
		r.session.Apply(presenter.TurnCompleted{ThreadID: result.ThreadID, Message: result.Reply})
	default:
		r.session.Apply(presenter.TurnInterrupted{ThreadID: result.ThreadID, Message: result.Reply})
		fmt.Fprintf(r.out, "[turn %s: %v]\n", result.State, result.Cause)
	}
}
