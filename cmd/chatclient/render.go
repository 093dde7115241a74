package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/gookit/color"

	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/session"
)

// renderer prints what changed between consecutive session views.
type renderer struct {
	out      io.Writer
	colorize bool

	mu      sync.Mutex
	printed map[string]struct{}
	notice  string
	seen    bool
	closed  bool
	fatal   string
}

func newRenderer(out io.Writer, colorize bool) *renderer {
	return &renderer{out: out, colorize: colorize, printed: make(map[string]struct{})}
}

func (r *renderer) render(view session.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range view.Messages {
		if _, ok := r.printed[msg.ID]; ok {
			continue
		}
		r.printed[msg.ID] = struct{}{}
		label := "[" + speaker(msg) + "]"
		if r.colorize {
			label = speakerColor(msg).Sprint(label)
		}
		fmt.Fprintf(r.out, "%s %s %s\n", msg.CreatedAt.Local().Format("15:04"), label, msg.Text)
	}

	if view.State == session.StateError {
		if view.Fatal != r.fatal {
			r.fatal = view.Fatal
			r.alert("!! " + view.Fatal)
		}
		return
	}
	if view.Seen && !r.seen {
		fmt.Fprintln(r.out, "   (seen)")
	}
	r.seen = view.Seen
	if view.Ticket.IsClosed && !r.closed {
		r.closed = true
		fmt.Fprintln(r.out, "-- ticket closed --")
	}
	if view.Notice != r.notice {
		r.notice = view.Notice
		if view.Notice != "" {
			r.alert("! " + view.Notice)
		}
	}
}

func speaker(msg domain.Message) string {
	if domain.RoleOf(msg.AuthorID) == domain.RoleAnonymous {
		return "requester"
	}
	return "agent"
}

func (r *renderer) alert(line string) {
	if r.colorize {
		line = color.Red.Sprint(line)
	}
	fmt.Fprintln(r.out, line)
}

func speakerColor(msg domain.Message) color.Color {
	if domain.RoleOf(msg.AuthorID) == domain.RoleAnonymous {
		return color.Cyan
	}
	return color.Green
}
