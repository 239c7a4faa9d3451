// atelier-monitor tails the engine's monitor WebSocket: every progress
// event of every running search session, rendered live in the terminal.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelierlabs/atelier/pkg/protocol"
)

// ANSI colors
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"
	white   = "\033[37m"
	bgGray  = "\033[48;5;236m"
)

var typeColors = map[protocol.MessageType]string{
	protocol.TypeError:           red,
	protocol.TypeProgress:        cyan,
	protocol.TypeSessionComplete: green,
	protocol.TypeSubscribeAck:    blue,
	protocol.TypeHeartbeat:       dim,
}

var stageColors = map[string]string{
	"session":    blue,
	"generation": green,
	"ranking":    magenta,
}

type rawMessage struct {
	data []byte
	ts   time.Time
}

func main() {
	url := flag.String("url", "ws://localhost:8090/api/monitor/ws", "Monitor WebSocket URL")
	sessionID := flag.String("session", "", "Only show events for this session id")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	fmt.Printf("%s%s╔══════════════════════════════════════╗%s\n", bold, blue, reset)
	fmt.Printf("%s%s║       Atelier Search Monitor         ║%s\n", bold, blue, reset)
	fmt.Printf("%s%s╚══════════════════════════════════════╝%s\n", bold, blue, reset)
	fmt.Printf("%sConnecting to: %s%s%s\n", dim, reset, *url, reset)

	delays := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}

	msgNum := 0
	for {
		conn, err := dialWithRetry(*url, delays, interrupt)
		if err != nil {
			fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
			return
		}

		fmt.Printf("%s%s✓ Connected%s\n", bold, green, reset)

		// The server expects a Subscribe envelope as the first frame.
		sub := protocol.NewEnvelope("", protocol.TypeSubscribe, protocol.SubscribeBody{SessionID: *sessionID})
		subData, err := sub.Encode()
		if err != nil {
			fmt.Printf("%s✗ Failed to encode subscribe: %v%s\n", red, err, reset)
			conn.Close()
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, subData); err != nil {
			conn.Close()
			fmt.Printf("%s✗ Failed to send subscribe: %v%s\n", red, err, reset)
			fmt.Printf("%s%s─── reconnecting... ───%s\n", dim, yellow, reset)
			continue
		}

		// Receiver goroutine
		msgCh := make(chan rawMessage, 256)
		go func() {
			defer close(msgCh)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					fmt.Printf("\n%s✗ Read error: %v%s\n", red, err, reset)
					return
				}
				msgCh <- rawMessage{data: raw, ts: time.Now()}
			}
		}()

		// Printer loop — breaks on disconnect or interrupt
		disconnected := false
		for !disconnected {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					disconnected = true
				} else {
					msgNum++
					printMessage(msgNum, msg)
				}
			case <-interrupt:
				fmt.Printf("\n%s%s─── interrupted ───%s\n", dim, yellow, reset)
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			}
		}

		conn.Close()
		fmt.Printf("%s%s─── connection lost, reconnecting... ───%s\n\n", dim, yellow, reset)
	}
}

func dialWithRetry(url string, delays []time.Duration, interrupt <-chan os.Signal) (*websocket.Conn, error) {
	for attempt := 0; ; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
		if err == nil {
			return conn, nil
		}
		if attempt >= len(delays) {
			return nil, fmt.Errorf("failed after %d attempts: %w", attempt+1, err)
		}
		fmt.Printf("%s  retrying in %v...%s\n", dim, delays[attempt], reset)
		select {
		case <-time.After(delays[attempt]):
		case <-interrupt:
			return nil, fmt.Errorf("interrupted")
		}
	}
}

func printMessage(num int, msg rawMessage) {
	timestamp := msg.ts.Format("15:04:05.000")

	env, err := protocol.Decode(msg.data)
	if err != nil || env.Type == 0 {
		printRawMessage(num, timestamp, msg.data, err)
		return
	}

	// Heartbeats get a single dim line, no header block.
	if env.Type == protocol.TypeHeartbeat {
		fmt.Printf("%s#%d %s ♥%s\n", dim, num, timestamp, reset)
		return
	}

	color := typeColors[env.Type]
	if color == "" {
		color = white
	}

	fmt.Printf("%s%s#%d%s %s%s%s %s%s%s%s",
		dim, bgGray, num, reset,
		dim, timestamp, reset,
		bold, color, env.Type.Name(), reset)
	if env.SessionID != "" {
		fmt.Printf(" %s[%s]%s", dim, env.SessionID, reset)
	}
	fmt.Println()

	if traceID, ok := env.Meta[protocol.MetaKeyTraceID].(string); ok && traceID != "" {
		short := traceID
		if len(short) > 16 {
			short = short[:16]
		}
		fmt.Printf("  %strace:%s %s\n", dim, reset, short)
	}

	printBody(env)
	fmt.Println()
}

func printBody(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeProgress:
		var body protocol.ProgressBody
		if err := env.DecodeBody(&body); err != nil {
			fmt.Printf("  %sbad body: %v%s\n", red, err, reset)
			return
		}
		printProgress(&body)

	case protocol.TypeSessionComplete:
		var body protocol.SessionCompleteBody
		if err := env.DecodeBody(&body); err != nil {
			fmt.Printf("  %sbad body: %v%s\n", red, err, reset)
			return
		}
		if body.Status == "completed" {
			fmt.Printf("  %s✓%s completed after %d iterations", green, reset, body.IterationsRun)
			if body.WinnerIteration != nil && body.WinnerCandidate != nil {
				fmt.Printf(" %swinner:%s i%d:c%d", dim, reset, *body.WinnerIteration, *body.WinnerCandidate)
			}
			fmt.Println()
		} else {
			fmt.Printf("  %s✗%s %s", red, reset, body.Status)
			if body.FailureKind != "" {
				fmt.Printf(" [%s]", body.FailureKind)
			}
			if body.FailureMessage != "" {
				fmt.Printf(" %s", truncate(body.FailureMessage, 100))
			}
			fmt.Println()
		}

	case protocol.TypeError:
		var body protocol.ErrorBody
		if err := env.DecodeBody(&body); err != nil {
			fmt.Printf("  %sbad body: %v%s\n", red, err, reset)
			return
		}
		fmt.Printf("  %s%s: %s%s\n", red, body.Code, body.Message, reset)

	case protocol.TypeSubscribeAck:
		var body protocol.SubscribeAckBody
		if err := env.DecodeBody(&body); err != nil {
			return
		}
		if body.All {
			fmt.Printf("  %s✓%s subscribed to all sessions\n", green, reset)
		} else {
			fmt.Printf("  %s✓%s subscribed to %s\n", green, reset, body.SessionID)
		}
	}
}

func printProgress(body *protocol.ProgressBody) {
	stageColor := stageColors[body.Stage]
	if stageColor == "" {
		stageColor = white
	}

	marker := "·"
	switch body.Status {
	case "started":
		marker = "▶"
	case "complete":
		marker = "■"
	case "error":
		marker = "✗"
		stageColor = red
	}

	line := fmt.Sprintf("  %s%s%s %s%-10s%s", stageColor, marker, reset, stageColor, body.Stage, reset)
	if body.Iteration >= 0 {
		line += fmt.Sprintf(" i%d", body.Iteration)
	}
	if body.CandidateID != nil {
		line += fmt.Sprintf(":c%d", *body.CandidateID)
	}
	if body.Message != "" {
		line += " " + truncate(body.Message, 100)
	}
	if body.Progress > 0 {
		line += fmt.Sprintf(" %s%s%s", dim, progressBar(body.Progress), reset)
	}
	fmt.Println(line)
}

// progressBar renders a 20-cell bar like [████████░░░░░░░░░░░░] 40%.
func progressBar(p float64) string {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	filled := int(p * 20)
	return fmt.Sprintf("[%s%s] %.0f%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", 20-filled),
		p*100)
}

func printRawMessage(num int, timestamp string, data []byte, decodeErr error) {
	fmt.Printf("%s%s#%d%s %s%s%s %s[RAW]%s (%d bytes)\n",
		dim, bgGray, num, reset,
		dim, timestamp, reset,
		red, reset,
		len(data))

	if decodeErr != nil {
		fmt.Printf("  %sdecode error: %v%s\n", dim, decodeErr, reset)
	}

	hexStr := hex.EncodeToString(data)
	if len(hexStr) > 128 {
		hexStr = hexStr[:128] + "..."
	}
	var formatted strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			formatted.WriteByte(' ')
		}
		end := i + 2
		if end > len(hexStr) {
			end = len(hexStr)
		}
		formatted.WriteString(hexStr[i:end])
	}
	fmt.Printf("  %s%s%s\n", dim, formatted.String(), reset)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", "↵")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
