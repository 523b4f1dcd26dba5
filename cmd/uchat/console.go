package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"uchat-directory/internal/app"
	"uchat-directory/internal/model"
	"uchat-directory/internal/session"
)

type console struct {
	app *app.App
	in  *bufio.Scanner
	out io.Writer
	ui  renderer
}

func (c *console) readLine(prompt string) (string, bool) {
	fmt.Fprint(c.out, prompt)
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func displayError(err error) string {
	var reqErr *session.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message
	}
	return err.Error()
}

// login walks the two login phases until a session is established. It
// returns false when input ends.
func (c *console) login(ctx context.Context) bool {
	var ident model.Identity
	for c.app.Phase() != session.Established {
		switch c.app.Phase() {
		case session.AwaitingIdentifier:
			email, ok := c.readLine("Email: ")
			if !ok {
				return false
			}
			found, err := c.app.SubmitIdentifier(ctx, email)
			if err != nil {
				c.ui.failure(displayError(err))
				continue
			}
			ident = found
		case session.AwaitingCredential:
			password, ok := c.readLine(fmt.Sprintf("Password for %s (empty to change email): ", ident.DisplayName))
			if !ok {
				return false
			}
			if password == "" {
				c.app.Reset()
				continue
			}
			sess, err := c.app.SubmitCredential(ctx, password)
			if errors.Is(err, session.ErrIdentityRequired) {
				continue
			}
			if err != nil && !sess.Valid() {
				c.ui.failure(displayError(err))
				continue
			}
			c.ui.notice("Logged in as %s.", sess.Identity.DisplayName)
			if err != nil {
				c.ui.failure(fmt.Sprintf("Live updates unavailable: %v. Type 'reconnect' to retry.", err))
			}
		}
	}
	return true
}

const helpText = `Commands:
  list          show the conversation list
  seen <n>      mark conversation n as read
  reconnect     resubscribe after a lost connection
  logout        end the session
  quit          exit, keeping the session`

// commands runs the command prompt. It returns true after a logout and false
// when the user quits or input ends.
func (c *console) commands(ctx context.Context) bool {
	for {
		line, ok := c.readLine("> ")
		if !ok {
			return false
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "list", "ls":
			c.showDirectory()
		case "seen":
			c.markSeen(fields[1:])
		case "reconnect":
			if err := c.app.Reconnect(ctx); err != nil {
				c.ui.failure(displayError(err))
				continue
			}
			c.ui.notice("Subscribed.")
		case "logout":
			if err := c.app.Logout(); err != nil {
				c.ui.failure(displayError(err))
			}
			c.ui.notice("Logged out.")
			return true
		case "quit", "exit":
			return false
		case "help", "?":
			fmt.Fprintln(c.out, helpText)
		default:
			c.ui.failure(fmt.Sprintf("unknown command %q, try 'help'", fields[0]))
		}
	}
}

func (c *console) showDirectory() {
	sess, _ := c.app.Session()
	c.ui.directory(c.app.Directory(), sess.Identity.ID)
}

func (c *console) markSeen(args []string) {
	views := c.app.Directory()
	if len(args) != 1 {
		c.ui.failure("usage: seen <n>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(views) {
		c.ui.failure(fmt.Sprintf("no conversation %q", args[0]))
		return
	}
	if err := c.app.MarkSeen(views[n-1].Counterpart.ID); err != nil {
		c.ui.failure(displayError(err))
	}
}
