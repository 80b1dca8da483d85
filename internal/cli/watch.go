package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
)

type streamEvent struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func (a *app) watchCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream cache and sync events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = unlimited)")
	return cmd
}

func (a *app) watch(ctx context.Context, count int) error {
	conn, _, err := websocket.Dial(ctx, a.client.EventsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for seen := 0; count <= 0 || seen < count; seen++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		if err := a.printEvent(data); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) printEvent(data []byte) error {
	if a.jsonOutput() {
		_, err := fmt.Fprintln(a.out, string(data))
		return err
	}
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.New("malformed event on stream")
	}
	payload := strings.TrimSpace(string(ev.Payload))
	if payload == "" || payload == "null" {
		payload = ""
	}
	_, err := fmt.Fprintf(a.out, "%s %s %s\n",
		dimColor.Sprint(ev.At.Local().Format("15:04:05.000")),
		eventLabel(ev.Type),
		payload)
	return err
}

func eventLabel(t string) string {
	switch {
	case strings.HasPrefix(t, "sync.permanent"):
		return badColor.Sprint(t)
	case strings.HasPrefix(t, "sync."), strings.HasPrefix(t, "queue."):
		return warnColor.Sprint(t)
	case strings.HasPrefix(t, "connectivity."), strings.HasPrefix(t, "status."):
		return okColor.Sprint(t)
	default:
		return t
	}
}
