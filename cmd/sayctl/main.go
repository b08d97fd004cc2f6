// sayctl sends one say request to a running speech hub and waits briefly for
// its say_result. Not every deployment echoes a result, so a timeout is
// reported but exits clean.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mouthpiece/internal/protocol"
)

type options struct {
	url       string
	sessionID string
	text      string
	priority  int
	policy    string
	ttlMS     int64
	dedupeKey string
	timeout   time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sayctl: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sayctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var timeoutMS int

	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:8765/ws", "hub websocket URL")
	flag.StringVar(&cfg.sessionID, "session", "sayctl", "session_id for the request")
	flag.StringVar(&cfg.text, "text", "", "text to speak (required)")
	flag.IntVar(&cfg.priority, "priority", 0, "priority in [0,3]")
	flag.StringVar(&cfg.policy, "policy", "replace", "policy: replace or interrupt")
	flag.Int64Var(&cfg.ttlMS, "ttl-ms", 0, "optional ttl in milliseconds")
	flag.StringVar(&cfg.dedupeKey, "dedupe-key", "", "optional dedupe key")
	flag.IntVar(&timeoutMS, "timeout-ms", 3000, "how long to wait for say_result")
	flag.Parse()

	if strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("-text is required")
	}
	if timeoutMS <= 0 {
		return options{}, fmt.Errorf("-timeout-ms must be > 0")
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	conn, _, err := websocket.DefaultDialer.Dial(cfg.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.url, err)
	}
	defer conn.Close()

	messageID := uuid.NewString()
	say := protocol.Say{
		V:         protocol.Version,
		Type:      protocol.TypeSay,
		SessionID: cfg.sessionID,
		Text:      cfg.text,
		Priority:  cfg.priority,
		Policy:    cfg.policy,
		DedupeKey: cfg.dedupeKey,
		MessageID: messageID,
	}
	if cfg.ttlMS > 0 {
		say.TTLMs = &cfg.ttlMS
	}
	now := time.Now().UnixMilli()
	say.TS = &now

	if err := conn.WriteJSON(say); err != nil {
		return fmt.Errorf("send say: %w", err)
	}

	deadline := time.Now().Add(cfg.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fmt.Println("no say_result received (listener may not echo results)")
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				fmt.Println("no say_result received (listener may not echo results)")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var result protocol.SayResult
		if err := json.Unmarshal(data, &result); err != nil {
			continue
		}
		if result.Type != protocol.TypeSayResult || result.MessageID != messageID {
			continue
		}

		pretty, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(pretty))
		return nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
