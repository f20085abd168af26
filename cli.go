package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/liyue201/goqr"
	qrterminal "github.com/mdp/qrterminal/v3"

	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/config"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/session"
)

var errUsage = errors.New("invalid arguments, see peerchat --help")

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		// --qr on its own joins.
		args = []string{"join"}
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "host":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.freshenTunnel(ctx); err != nil {
			return err
		}
		c, err := a.sessions.Host(ctx, rest[0])
		if err != nil {
			return err
		}
		return a.attach(ctx, c, os.Stdin, os.Stdout)
	case "resume":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.freshenTunnel(ctx); err != nil {
			return err
		}
		c, err := a.sessions.HostExisting(ctx, rest[0])
		if err != nil {
			return err
		}
		return a.attach(ctx, c, os.Stdin, os.Stdout)
	case "join":
		invitation, err := a.invitation(rest)
		if err != nil {
			return err
		}
		c, err := a.sessions.Join(ctx, invitation)
		if err != nil {
			return err
		}
		return a.attach(ctx, c, os.Stdin, os.Stdout)
	case "chats":
		return a.listChats(os.Stdout)
	case "keys":
		return a.printKeys(os.Stdout)
	case "trust":
		return a.trustCommand(rest, os.Stdout)
	case "update-tunnel":
		updated, err := a.updater.EnsureFresh(ctx)
		if err != nil {
			return err
		}
		if updated {
			fmt.Println("cloudflared updated:", a.cfg.Tunnel.Binary)
		} else {
			fmt.Println("cloudflared is up to date")
		}
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// freshenTunnel refreshes cloudflared before hosting when auto update is on.
// A failed check is not fatal if a binary is already installed.
func (a *app) freshenTunnel(ctx context.Context) error {
	if a.cfg.Tunnel.Provider != config.ProviderCloudflared || !a.cfg.Tunnel.AutoUpdate {
		return nil
	}
	if _, err := a.updater.EnsureFresh(ctx); err != nil {
		if _, statErr := os.Stat(a.cfg.Tunnel.Binary); statErr != nil {
			return err
		}
		a.log.Sugar().Warnf("could not update cloudflared, using installed binary: %v", err)
	}
	return nil
}

func (a *app) invitation(rest []string) (string, error) {
	if a.cfg.QRImage != "" {
		return scanQR(a.cfg.QRImage)
	}
	if len(rest) != 1 {
		return "", errUsage
	}
	return rest[0], nil
}

// scanQR reads an invitation from the first QR code found in an image file.
func scanQR(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read QR image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode QR image: %w", err)
	}
	codes, err := goqr.Recognize(img)
	if err != nil {
		return "", fmt.Errorf("failed to recognize QR code: %w", err)
	}
	for _, code := range codes {
		if payload := strings.TrimSpace(string(code.Payload)); payload != "" {
			return payload, nil
		}
	}
	return "", errors.New("no QR code found in image")
}

func printInvitation(w io.Writer, c *chat.Chat) {
	fmt.Fprintf(w, "Hosting %q (%s)\nInvitation: %s\n\n", c.Name, c.ID, c.Invitation())
	qrterminal.GenerateWithConfig(c.Invitation(), qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintln(w)
}

// attach prints chat events and sends every input line until EOF, /quit or
// ctx is done.
func (a *app) attach(ctx context.Context, c *chat.Chat, in io.Reader, out io.Writer) error {
	if c.Kind == chat.Hosted {
		printInvitation(out, c)
	} else {
		fmt.Fprintf(out, "Joined %q (%s)\n", c.Name, c.ID)
	}
	for _, m := range c.Messages() {
		printMessage(out, m)
	}

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case chat.EventMessage:
				if e.Message.Sender.Identity != a.channel.Sender().Identity {
					printMessage(out, e.Message)
				}
			case chat.EventStatus:
				if e.Reason != "" {
					fmt.Fprintf(out, "[%s: %s]\n", e.Status, e.Reason)
				} else {
					fmt.Fprintf(out, "[%s]\n", e.Status)
				}
			}
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := a.sessions.Send(ctx, c.ID, line); err != nil {
				fmt.Fprintf(out, "[not sent: %s]\n", session.Classify(err))
				a.log.Sugar().Debugw("send failed", "chat_id", c.ID, "error", err)
			}
		}
	}
}

func printMessage(w io.Writer, m models.Message) {
	name := m.Sender.DisplayName
	if name == "" {
		name = shortID(m.Sender.Identity)
	}
	mark := ""
	if m.Verification == models.VerifyFailed {
		mark = " (unverified signature)"
	}
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	fmt.Fprintf(w, "%s %s%s: %s\n", ts, name, mark, m.Content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *app) listChats(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINVITATION")
	for _, c := range a.sessions.Chats() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Name, c.Invitation())
	}
	return tw.Flush()
}

func (a *app) printKeys(w io.Writer) error {
	info, err := a.channel.Self()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Identity: %s\nName: %s\n\n%s", info.Identity, info.DisplayName, info.PublicKey)
	return nil
}

func (a *app) trustCommand(args []string, w io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENTITY\tNAME\tUPDATED")
		for _, p := range a.trust.List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Identity, p.DisplayName, time.UnixMilli(p.UpdatedAt).Format(time.RFC3339))
		}
		return tw.Flush()
	case "add":
		if len(args) < 3 || len(args) > 4 {
			return errUsage
		}
		pem, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 4 {
			name = args[3]
		}
		return a.trust.Upsert(args[1], string(pem), name)
	case "remove":
		if len(args) != 2 {
			return errUsage
		}
		return a.trust.Remove(args[1])
	}
	return errUsage
}
