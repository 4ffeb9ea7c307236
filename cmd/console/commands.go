package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ksms-live/internal/chat"
	"ksms-live/internal/realtime"
	"ksms-live/internal/session"
)

const historyLimit = 30

var staffRoles = []session.Role{session.RoleAdmin, session.RoleManager, session.RoleStaff}

const usage = `commands:
  login [email]      sign in (password from KSMS_PASSWORD or the next line)
  logout             sign out
  whoami             show the signed in account
  votes              refresh and print the vote board
  enable <duration>  open voting, e.g. enable 10m
  disable            close voting now
  join               join the livestream chat
  say <text>         send a chat message
  history            print the chat so far
  leave              leave the chat
  status             hub connection states
  quit`

func (c *console) run(ctx context.Context, in *bufio.Scanner) error {
	if err := c.sess.Restore(ctx); err == nil {
		if _, ok := c.sess.Current(); ok {
			c.out.Info("Restored saved session.")
			c.afterLogin(ctx)
		}
	} else if !errors.Is(err, session.ErrNoSession) {
		c.log.Warn("restore session", zap.Error(err))
	}
	if c.cfg.Email != "" && c.sess.Token() == "" {
		c.login(ctx, in, c.cfg.Email)
	}

	c.out.Line(usage)
	for {
		c.out.Prompt()
		if !in.Scan() {
			return in.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(in.Text()), " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "help":
			c.out.Line(usage)
		case "quit", "exit":
			return nil
		case "login":
			c.login(ctx, in, firstOf(arg, c.cfg.Email))
		case "logout":
			c.logout(ctx)
		case "whoami":
			c.whoami()
		case "votes":
			c.refresh(ctx)
		case "enable":
			c.enable(ctx, arg)
		case "disable":
			c.disable(ctx)
		case "join":
			c.join(ctx)
		case "say":
			c.say(ctx, arg)
		case "history":
			c.history(ctx)
		case "leave":
			c.leave(ctx)
		case "status":
			c.status()
		default:
			c.out.Error("unknown command " + cmd)
		}
	}
}

func (c *console) login(ctx context.Context, in *bufio.Scanner, email string) {
	if email == "" {
		c.out.Error("usage: login <email>")
		return
	}
	password := c.cfg.Password
	if password == "" {
		c.out.Line("password:")
		if !in.Scan() {
			return
		}
		password = strings.TrimSpace(in.Text())
	}
	c.signIn(ctx, email, password)
}

// signIn logs in and reconnects. The server tells the account's open
// notification connections to sign out, so this console's own hubs and chat
// are closed before the request and reopened afterwards.
func (c *console) signIn(ctx context.Context, email, password string) bool {
	if _, ok := c.sess.Current(); ok {
		c.leave(ctx)
		if err := c.hubs.Close(); err != nil {
			c.log.Warn("stop hubs", zap.Error(err))
		}
	}
	creds, err := c.sess.Login(ctx, email, password)
	if err != nil {
		c.out.Error("Login failed: " + err.Error())
		return false
	}
	c.out.Info(fmt.Sprintf("Signed in as %s (%s).", email, creds.Role))
	c.afterLogin(ctx)
	return true
}

// afterLogin connects the hubs and loads the board when the role allows it.
func (c *console) afterLogin(ctx context.Context) {
	if err := c.hubs.StartAll(ctx); err != nil {
		c.out.Error("Realtime updates unavailable: " + err.Error())
	}
	if err := c.sess.RequireRole(staffRoles...); err != nil {
		c.out.Info("The vote board is for show staff only.")
		return
	}
	c.refresh(ctx)
	if c.cfg.VoteDuration > 0 && !c.votes.Session().Active {
		if err := c.votes.EnableVotingFor(ctx, c.cfg.VoteDuration); err != nil {
			c.log.Warn("enable voting", zap.Error(err))
		}
	}
}

func (c *console) logout(ctx context.Context) {
	c.leave(ctx)
	if err := c.hubs.Close(); err != nil {
		c.log.Warn("stop hubs", zap.Error(err))
	}
	if err := c.sess.Logout(ctx); err != nil {
		c.out.Error(err.Error())
		return
	}
	c.out.Info("Signed out.")
}

func (c *console) whoami() {
	creds, ok := c.sess.Current()
	if !ok {
		c.out.Info("Not signed in.")
		return
	}
	c.out.Line(fmt.Sprintf("%s (%s), session ends %s", creds.UserID, creds.Role, relative(creds.ExpiresAt)))
}

func (c *console) staffOnly() bool {
	switch err := c.sess.RequireRole(staffRoles...); {
	case errors.Is(err, session.ErrUnauthenticated):
		c.out.Error("Sign in first.")
		return false
	case err != nil:
		c.out.Error("Only show staff can do that.")
		return false
	}
	return true
}

func (c *console) refresh(ctx context.Context) {
	if !c.staffOnly() {
		return
	}
	if _, _, err := c.votes.Fetch(ctx); err != nil {
		c.out.Error("Could not load votes: " + err.Error())
	}
}

func (c *console) enable(ctx context.Context, arg string) {
	if !c.staffOnly() {
		return
	}
	d, err := time.ParseDuration(arg)
	if err != nil {
		c.out.Error("usage: enable <duration>, e.g. enable 15m")
		return
	}
	// The store reports success and failure through the printer.
	_ = c.votes.EnableVotingFor(ctx, d)
}

func (c *console) disable(ctx context.Context) {
	if !c.staffOnly() {
		return
	}
	_ = c.votes.DisableVoting(ctx, false)
}

func (c *console) join(ctx context.Context) {
	if c.currentRoom() != nil {
		c.out.Info("Already in the chat.")
		return
	}
	if c.cfg.ChannelID == "" {
		c.out.Error("No chat channel configured (use -channel).")
		return
	}
	creds, ok := c.sess.Current()
	if !ok {
		c.out.Error("Sign in first.")
		return
	}
	name := creds.UserID
	if acct, err := c.api.GetAccount(ctx, creds.UserID); err == nil && acct.FullName != "" {
		name = acct.FullName
	}
	conn, err := c.chat.Initialize(ctx, creds.Token, creds.UserID, name)
	if err != nil {
		c.out.Error("Chat unavailable: " + err.Error())
		return
	}
	room, err := c.chat.Join(ctx, conn, c.cfg.ChannelID, firstOf(c.cfg.LivestreamID, c.cfg.ChannelID))
	if err != nil {
		c.out.Error("Could not join the chat: " + err.Error())
		return
	}
	c.setRoom(room)
	room.OnMessage(c.out.message)
	c.history(ctx)
}

func (c *console) say(ctx context.Context, text string) {
	room := c.currentRoom()
	if room == nil {
		c.out.Error("Join the chat first.")
		return
	}
	if err := room.Send(ctx, text); err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return
		}
		c.out.Error("Message not sent: " + err.Error())
	}
}

func (c *console) history(ctx context.Context) {
	room := c.currentRoom()
	if room == nil {
		c.out.Error("Join the chat first.")
		return
	}
	msgs, err := room.LoadHistory(ctx, historyLimit)
	if err != nil {
		c.out.Error("Could not load chat history: " + err.Error())
		return
	}
	for _, m := range msgs {
		c.out.message(m)
	}
}

func (c *console) leave(ctx context.Context) {
	room := c.currentRoom()
	if room == nil {
		return
	}
	if err := room.Leave(ctx); err != nil {
		c.log.Warn("leave chat", zap.Error(err))
	}
	c.setRoom(nil)
}

func (c *console) status() {
	for _, ch := range realtime.Channels {
		c.out.Line(fmt.Sprintf("%-12s %s", ch, c.hubs.State(ch)))
	}
	if conn := c.chat.Shared(); conn != nil && conn.Connected() {
		c.out.Line(fmt.Sprintf("%-12s connected (%s)", "chat", conn.ConnectionID()))
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
