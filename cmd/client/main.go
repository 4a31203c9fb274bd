package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/proto"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	obs.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Code != "" {
		id, err := login(ctx, http.DefaultClient, cfg.APIURL, cfg.Code)
		if err != nil {
			obs.Error("client.login", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		cfg.SessionID = id
	}

	lines := readLines(os.Stdin)
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: cfg.MaxRetry, Jitter: true}
	for {
		got, err := runOnce(ctx, cfg, lines, os.Stdout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			obs.Warn("client.session.end", obs.Fields{"err": err.Error()})
		} else {
			obs.Info("client.session.end", obs.Fields{"messages": got})
		}
		if cfg.Once {
			return
		}
		if got > 0 {
			b.Reset()
		}
		d := b.Duration()
		obs.Info("client.reconnect", obs.Fields{"in": d.String(), "attempt": b.Attempt()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func connectRequest(cfg Config) proto.ConnectRequest {
	req := proto.ConnectRequest{Host: cfg.Host, Port: cfg.Port}
	if cfg.SessionID != "" {
		req.SessionID = cfg.SessionID
	} else {
		req.Username = cfg.Username
		req.UUID = cfg.UUID
		req.Token = cfg.Token
	}
	return req
}

// runOnce opens one relay session. Received messages are printed to out as
// JSON lines; stdin lines are forwarded once they parse as packets. It
// returns the number of messages received.
func runOnce(ctx context.Context, cfg Config, lines <-chan string, out io.Writer) (int, error) {
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.RelayURL, header)
	if err != nil {
		return 0, err
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := ws.WriteJSON(connectRequest(cfg)); err != nil {
		return 0, err
	}
	obs.Info("client.connect", obs.Fields{"relay": cfg.RelayURL, "server": cfg.Server})

	readErr := make(chan error, 1)
	received := 0
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			received++
			var e proto.ErrorMessage
			if json.Unmarshal(msg, &e) == nil && e.Error != "" {
				obs.Warn("client.relay.error", obs.Fields{"error": e.Error})
			}
			fmt.Fprintf(out, "%s\n", msg)
		}
	}()

	for {
		select {
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			return received, err
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := forward(ws, line); err != nil {
				obs.Warn("client.input", obs.Fields{"err": err.Error()})
			}
		}
	}
}

// forward sends one stdin line if it is a well formed packet message.
func forward(ws *websocket.Conn, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	msg, err := proto.Decode([]byte(line))
	if err != nil {
		return err
	}
	if msg.Kind != proto.KindPacket {
		return fmt.Errorf("not a packet: %s", msg.Kind)
	}
	return ws.WriteMessage(websocket.TextMessage, []byte(line))
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// login exchanges an authorization code for a session id.
func login(ctx context.Context, client *http.Client, api, code string) (string, error) {
	body, _ := json.Marshal(map[string]string{"code": code})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(api, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		SessionID   string `json:"sessionId"`
		DisplayName string `json:"displayName"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login: %s: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: %s: %s", resp.Status, out.Error)
	}
	obs.Info("client.login", obs.Fields{"user": out.DisplayName})
	return out.SessionID, nil
}
