package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/duochat/chat-app/internal/client"
	clientws "github.com/duochat/chat-app/internal/client/ws"
	"github.com/duochat/chat-app/internal/conversation"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "relay base URL")
	username := flag.String("user", "", "username to join as")
	peer := flag.String("peer", "", "peer to chat with")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -user <name> [-peer <name>] [-server ws://host:port]")
		os.Exit(2)
	}

	log.SetFlags(0)

	dialer := &clientws.Dialer{BaseURL: *serverURL, Timeout: 10 * time.Second}
	ctrl := client.New(dialer, client.Config{
		OnUpdate: render,
		OnDiscard: func(raw string) {
			log.Printf("[chat] dropped frame: %q", raw)
		},
	})

	if err := ctrl.Join(*username); err != nil {
		log.Fatalf("join failed: %v", err)
	}
	if *peer != "" {
		ctrl.SelectPeer(*peer)
	}

	fmt.Println("commands: /peer <name> switches peers, /quit leaves; anything else sends")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			ctrl.Leave()
			return
		case strings.HasPrefix(line, "/peer "):
			ctrl.SelectPeer(strings.TrimPrefix(line, "/peer "))
		default:
			ctrl.SendMessage(line)
		}

		if ctrl.Phase() == client.PhaseClosed {
			fmt.Println("disconnected")
			return
		}
	}
	ctrl.Leave()
}

// render repaints the conversation after each model change. Line-based
// input means keystrokes are not observable here, so this client never
// emits typing bursts of its own; it still renders the peer's.
func render(snap conversation.Snapshot) {
	var b strings.Builder

	fmt.Fprintf(&b, "--- %s", snap.LocalUser)
	if snap.Peer != "" {
		state := "offline"
		if snap.PeerOnline {
			state = "online"
		}
		fmt.Fprintf(&b, " <-> %s (%s)", snap.Peer, state)
	}
	if !snap.Connected {
		b.WriteString(" [disconnected]")
	}
	b.WriteString(" ---\n")

	for _, m := range snap.Messages {
		tick := ""
		if m.Sender == snap.LocalUser {
			if m.State == conversation.StateSeen {
				tick = " ✔✔"
			} else {
				tick = " ✔"
			}
		}
		fmt.Fprintf(&b, "%s: %s%s\n", m.Sender, m.Text, tick)
	}

	if snap.ActiveTyper != "" {
		fmt.Fprintf(&b, "%s is typing...\n", snap.ActiveTyper)
	}

	fmt.Print(b.String())
}
