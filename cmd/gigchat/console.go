package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/internal/moderation"
	"gigchat/internal/presence"
	"gigchat/internal/service"
	"gigchat/internal/store"
	"gigchat/pkg/channel"
)

const helpText = `commands:
  <text>                  send a message
  /reply <id> <text>      reply to a message
  /react <id> <emoji>     toggle a reaction
  /edit <id> <text>       edit one of your messages
  /delete <id>            delete one of your messages
  /attach <path> [text]   send a file
  /check <text>           run the content check without sending
  /retry <id>             resend a failed message
  /refetch                reload history from the server
  /quit                   leave`

type command struct {
	name string
	args []string
	text string
}

// parseLine splits one input line. Plain text becomes a send; ids and
// paths are single words and the rest of the line is the text.
func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errors.New("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	word := func() (string, string) {
		w, tail, _ := strings.Cut(rest, " ")
		return w, strings.TrimSpace(tail)
	}

	switch name {
	case "quit", "refetch", "help":
		return command{name: name}, nil
	case "check":
		if rest == "" {
			return command{}, errors.New("usage: /check <text>")
		}
		return command{name: name, text: rest}, nil
	case "delete", "retry":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, fmt.Errorf("usage: /%s <id>", name)
		}
		return command{name: name, args: []string{rest}}, nil
	case "reply", "edit", "react":
		id, text := word()
		if id == "" || text == "" {
			arg := "text"
			if name == "react" {
				arg = "emoji"
			}
			return command{}, fmt.Errorf("usage: /%s <id> <%s>", name, arg)
		}
		return command{name: name, args: []string{id}, text: text}, nil
	case "attach":
		path, text := word()
		if path == "" {
			return command{}, errors.New("usage: /attach <path> [text]")
		}
		return command{name: name, args: []string{path}, text: text}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// console renders one session on a writer and executes typed commands.
type console struct {
	session   *service.Session
	userID    string
	maxUpload int64

	mu  sync.Mutex
	out io.Writer
}

func newConsole(session *service.Session, out io.Writer, userID string, maxUpload int64) *console {
	return &console{session: session, out: out, userID: userID, maxUpload: maxUpload}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// attach subscribes to everything the session and channel report.
func (c *console) attach(events interface {
	Subscribe(fn func(channel.Envelope)) func()
}) func() {
	unsubs := []func(){
		c.session.Store().Subscribe(c.onStoreChange),
		c.session.Tracker().Subscribe(c.onPresence),
		c.session.Banner().Subscribe(c.onNotice),
		events.Subscribe(c.onChannelEvent),
	}
	c.session.Pipeline().OnFailure(func(f service.FailedDraft) {
		c.printf("x send failed: %s  (/retry %s)", describe(f.Err), shortID(f.CorrelationID))
	})
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *console) printHistory() {
	conv := c.session.Store().Conversation()
	title := conv.Title
	if title == "" {
		title = conv.ID
	}
	msgs := c.session.Store().Messages()
	c.printf("== %s (%s) ==", title, strings.Join(conv.ParticipantIDs, ", "))
	for _, m := range msgs {
		c.printf("%s", formatMessage(m))
	}
	if len(msgs) == 0 {
		c.printf("(no messages yet)")
	}
}

func (c *console) onStoreChange(ch store.Change) {
	st := c.session.Store()
	switch ch.Kind {
	case store.ChangeReset:
		c.printHistory()
	case store.ChangePendingAdded, store.ChangeAppended:
		if m, ok := st.Get(ch.MessageID); ok {
			c.printf("%s", formatMessage(m))
		}
	case store.ChangeResolved:
		c.printf("  sent #%s", shortID(ch.MessageID))
	case store.ChangeRolledBack:
		c.printf("  not sent #%s", shortID(ch.MessageID))
	case store.ChangeReactions:
		if m, ok := st.Get(ch.MessageID); ok {
			c.printf("  #%s reactions: %s", shortID(m.ID), formatReactions(m.Reactions))
		}
	case store.ChangeEdited:
		if m, ok := st.Get(ch.MessageID); ok {
			c.printf("  #%s edited: %s", shortID(m.ID), moderation.StripMarkup(m.Text))
		}
	case store.ChangeRemoved:
		c.printf("  #%s deleted", shortID(ch.MessageID))
	}
}

func (c *console) onPresence(ch presence.Change) {
	switch ch.Kind {
	case presence.ChangeTyping:
		if ch.Active {
			c.printf("  %s is typing...", ch.UserID)
		}
	case presence.ChangeOnline:
		state := "offline"
		if ch.Active {
			state = "online"
		}
		c.printf("  %s is %s", ch.UserID, state)
	}
}

func (c *console) onNotice(n moderation.Notice, ok bool) {
	if !ok {
		return
	}
	label := "heads up"
	if n.Kind == moderation.NoticeBlocking {
		label = "blocked"
	}
	cats := make([]string, len(n.Categories))
	for i, cat := range n.Categories {
		cats[i] = string(cat)
	}
	c.printf("! %s (%s): %s", label, n.Severity, strings.Join(cats, ", "))
	for _, s := range n.Suggestions {
		c.printf("!   %s", s)
	}
}

func (c *console) onChannelEvent(env channel.Envelope) {
	switch env.Type {
	case channel.EventDisconnected:
		c.printf("-- connection lost, reconnecting")
	case channel.EventReconnected:
		c.printf("-- reconnected; /refetch to load anything missed")
	case channel.EventError:
		var p channel.ErrorPayload
		if env.Decode(&p) == nil {
			c.printf("-- relay: %s", p.Message)
		}
	}
}

// loop reads commands until /quit, EOF or ctx ends.
func (c *console) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseLine(line)
			if err != nil {
				c.printf("%v", err)
				continue
			}
			if cmd.name == "quit" {
				return nil
			}
			if err := c.execute(ctx, cmd); err != nil {
				c.printf("error: %s", describe(err))
			}
		}
	}
}

func (c *console) execute(ctx context.Context, cmd command) error {
	s := c.session
	switch cmd.name {
	case "help":
		c.printf("%s", helpText)
		return nil
	case "send":
		return c.submit(ctx, service.Draft{Text: cmd.text})
	case "reply":
		id, err := c.resolveMessage(cmd.args[0])
		if err != nil {
			return err
		}
		ref, err := s.StartReply(id)
		if err != nil {
			return err
		}
		return c.submit(ctx, service.Draft{Text: cmd.text, ReplyRef: ref})
	case "attach":
		f, err := media.ReadFile(cmd.args[0], c.maxUpload)
		if err != nil {
			return apperrors.NewAttachmentError("read", cmd.args[0], err)
		}
		return c.submit(ctx, service.Draft{Text: cmd.text, Files: []media.File{f}})
	case "react":
		id, err := c.resolveMessage(cmd.args[0])
		if err != nil {
			return err
		}
		return s.React(ctx, id, cmd.text)
	case "edit":
		id, err := c.resolveMessage(cmd.args[0])
		if err != nil {
			return err
		}
		return s.Edit(ctx, id, cmd.text)
	case "delete":
		id, err := c.resolveMessage(cmd.args[0])
		if err != nil {
			return err
		}
		return s.Delete(ctx, id)
	case "retry":
		corr, err := c.resolveFailed(cmd.args[0])
		if err != nil {
			return err
		}
		_, err = s.Retry(ctx, corr)
		return err
	case "check":
		if result := s.Advisor().CheckNow(cmd.text); result.IsValid {
			c.printf("  looks fine")
		}
		return nil
	case "refetch":
		return s.Refetch(ctx)
	}
	return fmt.Errorf("unhandled command %q", cmd.name)
}

// submit returns once the draft is accepted; the outcome arrives through
// the store and failure listeners.
func (c *console) submit(ctx context.Context, draft service.Draft) error {
	_, err := c.session.Submit(ctx, draft)
	if apperrors.GetCode(err) == apperrors.ErrCodeValidationRejected {
		// the blocking banner already explained it
		return nil
	}
	return err
}

// resolveMessage accepts a full id or an unambiguous prefix of one.
func (c *console) resolveMessage(prefix string) (string, error) {
	var ids []string
	for _, m := range c.session.Store().Messages() {
		ids = append(ids, m.ID)
	}
	return matchPrefix(strings.TrimPrefix(prefix, "#"), ids, "message")
}

func (c *console) resolveFailed(prefix string) (string, error) {
	var ids []string
	for _, f := range c.session.Pipeline().FailedDrafts() {
		ids = append(ids, f.CorrelationID)
	}
	return matchPrefix(strings.TrimPrefix(prefix, "#"), ids, "failed send")
}

func matchPrefix(prefix string, ids []string, what string) (string, error) {
	var found []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", apperrors.NewNotFoundError(what, prefix)
	case 1:
		return found[0], nil
	default:
		return "", apperrors.NewValidationError("id", prefix, fmt.Sprintf("%q matches %d of them", prefix, len(found)))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatMessage(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] #%s %s: %s", m.CreatedAt.Local().Format("15:04"), shortID(m.ID), m.SenderID, moderation.StripMarkup(m.Text))
	if m.Edited {
		b.WriteString(" (edited)")
	}
	switch m.Status {
	case models.StatusPending:
		b.WriteString(" [sending]")
	case models.StatusFailed:
		b.WriteString(" [failed]")
	}
	if m.ReplyRef != nil {
		fmt.Fprintf(&b, "\n      > %s: %s", m.ReplyRef.SenderID, m.ReplyRef.PreviewText)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n      + %s (%s, %d bytes)", a.FileName, a.Category, a.SizeBytes)
	}
	if len(m.Reactions) > 0 {
		fmt.Fprintf(&b, "\n      %s", formatReactions(m.Reactions))
	}
	return b.String()
}

// formatReactions counts each emoji, in order of first use.
func formatReactions(reactions []models.Reaction) string {
	if len(reactions) == 0 {
		return "none"
	}
	var order []string
	counts := make(map[string]int)
	for _, r := range reactions {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, len(order))
	for i, e := range order {
		parts[i] = fmt.Sprintf("%s %d", e, counts[e])
	}
	return strings.Join(parts, "  ")
}

func describe(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return err.Error()
}
