package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

type WatchCmd struct {
	URL     string `long:"url" description:"event feed URL (default: ws://<server.events_addr>/events)"`
	Session string `short:"s" long:"session" description:"only events of this session (session-less events are always shown)"`

	app *Options
}

func (c *WatchCmd) Execute(_ []string) error {
	target, err := c.feedURL()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connect to event feed: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if c.app.JSON {
			fmt.Fprintln(c.app.out, string(data))
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(c.app.errOut, "bad event: %v\n", err)
			continue
		}
		fmt.Fprintln(c.app.out, formatEvent(ev))
	}
}

func (c *WatchCmd) feedURL() (string, error) {
	raw := c.URL
	if raw == "" {
		cfg, err := config.Load(config.DefaultConfigPath())
		if err != nil {
			return "", fmt.Errorf("load config for events address: %w", err)
		}
		if cfg.Server.EventsAddr == "" {
			return "", errors.New("server.events_addr is not configured; pass --url")
		}
		raw = "ws://" + cfg.Server.EventsAddr + "/events"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if c.Session != "" {
		q := u.Query()
		q.Set("session", c.Session)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func formatEvent(ev protocol.Event) string {
	at := ev.At.Local().Format("15:04:05")
	switch ev.Kind {
	case "approval_pending":
		if ev.Approval == nil {
			return fmt.Sprintf("%s approval pending: %s/%s", at, ev.Server, ev.Tool)
		}
		args, _ := json.Marshal(ev.Approval.Arguments)
		return fmt.Sprintf("%s approval pending: %s %s/%s args=%s (session %s; %s approve %s)",
			at, ev.Approval.CallID, ev.Server, ev.Tool, string(args), ev.Session, binary, ev.Approval.CallID)
	case "approval_decided":
		return fmt.Sprintf("%s approval: %s", at, ev.Text)
	case "registry_changed":
		target := ev.Server
		if ev.Tool != "" {
			target += "/" + ev.Tool
		}
		return fmt.Sprintf("%s registry v%d: %s %s", at, ev.Version, target, ev.Text)
	case "message":
		if ev.Message == nil {
			return fmt.Sprintf("%s [%s] message", at, ev.Session)
		}
		m := ev.Message
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Tool
			}
			content = "calls " + strings.Join(names, ", ")
		}
		return fmt.Sprintf("%s [%s] #%d %s: %s", at, ev.Session, m.Seq, m.Role, content)
	case "tool_result":
		return fmt.Sprintf("%s [%s] %s/%s %s", at, ev.Session, ev.Server, ev.Tool, ev.Text)
	case "summary":
		return fmt.Sprintf("%s [%s] summary: %s", at, ev.Session, ev.Text)
	default:
		return fmt.Sprintf("%s %s %s", at, ev.Kind, ev.Text)
	}
}
