package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"ksms-live/internal/chat"
	"ksms-live/internal/vote"
)

// printer serialises output from the command loop and the hub callbacks.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer { return &printer{w: w} }

func (p *printer) Line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, "> ")
}

func (p *printer) Info(msg string)  { p.Line("ℹ️  " + msg) }
func (p *printer) Error(msg string) { p.Line("❌ " + msg) }

func (p *printer) message(m chat.Message) {
	p.Line(fmt.Sprintf("💬 [%s] %s: %s", humanize.Time(m.CreatedAt), m.User.Name, m.Text))
}

// board prints the ranked vote list with the voting window.
func (p *printer) board(s *vote.Store) {
	var b strings.Builder
	sess := s.Session()
	switch {
	case sess.Active && !sess.EndTime.IsZero():
		fmt.Fprintf(&b, "🗳️  Voting open, closes %s\n", relative(sess.EndTime))
	case sess.Active:
		b.WriteString("🗳️  Voting open\n")
	default:
		b.WriteString("🗳️  Voting closed\n")
	}
	last := s.LastUpdated()
	for i, e := range s.Ranked() {
		marker := "  "
		if e.Top {
			marker = "🏆"
		}
		delta := ""
		if prev, ok := s.Previous(e.RegistrationID); ok && e.RegistrationID == last {
			delta = fmt.Sprintf(" (+%s)", humanize.Comma(int64(e.VoteCount-prev)))
		}
		fmt.Fprintf(&b, "%s %-5s %-10s %-18s %-10s %s votes%s\n",
			marker, humanize.Ordinal(i+1), e.RegistrationNumber, e.KoiName, e.KoiVariety,
			humanize.Comma(int64(e.VoteCount)), delta)
	}
	if err := s.Err(); err != nil {
		fmt.Fprintf(&b, "⚠️  %v\n", err)
	}
	p.Line(strings.TrimRight(b.String(), "\n"))
}

func relative(t time.Time) string { return humanize.Time(t) }
