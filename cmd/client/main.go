// cmd/client/main.go
// Interactive console client for the relay.
// Wires the client library together the same way an application embedding
// it would: connection manager, message store, typing coordinator and call
// manager, all tuned from the shared configuration.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/courseloop/courseloop-backend/internal/client"
	"github.com/courseloop/courseloop-backend/internal/config"
	"github.com/courseloop/courseloop-backend/internal/realtime"
)

func main() {
	log.SetFlags(log.Ltime)

	relayURL := flag.String("relay", "ws://localhost:8080/ws", "relay websocket URL")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "bearer credential")
	userID := flag.Int64("user", 0, "own user id")
	conversationID := flag.Int64("conversation", 0, "conversation to open")
	flag.Parse()

	if *token == "" || *userID == 0 || *conversationID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found (%v), using environment variables", err)
	}
	cfg := config.Load()

	conn := client.NewConn(*relayURL, client.Options{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		AckTimeout:        cfg.AckTimeout,
	})
	defer conn.Close()

	engine, err := client.NewWebRTCEngine(cfg.ICEServers)
	if err != nil {
		log.Fatal("Failed to build WebRTC engine: ", err)
	}

	store := client.NewStore(conn, *userID)
	defer store.Close()
	typing := client.NewTypingCoordinator(conn, client.NewClock(), cfg.TypingTTL)
	defer typing.Close()
	calls := client.NewCallManager(conn, engine, engine)
	defer calls.Close()

	conn.OnStateChange(func(connected bool) {
		if connected {
			log.Println("Channel up")
		} else {
			log.Println("Channel down")
		}
	})
	conn.On(realtime.EventNewMessage, func(env realtime.Envelope) {
		var msg realtime.Message
		if err := env.Bind(&msg); err == nil {
			log.Printf("[%d] %d: %s", msg.ConversationID, msg.SenderID, msg.Content)
		}
	})
	conn.On(realtime.EventMessageNotification, func(env realtime.Envelope) {
		var note realtime.MessageNotification
		if err := env.Bind(&note); err == nil {
			log.Printf("New message in conversation %d (unread: %d)", note.ConversationID, store.TotalUnread())
		}
	})
	conn.On(realtime.EventUserTyping, func(env realtime.Envelope) {
		var note realtime.TypingNotification
		if err := env.Bind(&note); err == nil {
			log.Printf("User %d is typing...", note.UserID)
		}
	})
	conn.On(realtime.EventIncomingCall, func(env realtime.Envelope) {
		var call realtime.IncomingCall
		if err := env.Bind(&call); err == nil {
			log.Printf("Incoming %s call from %s (/accept or /reject)", call.Type, call.CallerName)
		}
	})
	calls.OnCallState(func(session client.CallSession) {
		log.Printf("Call %s: %s", session.CallID, session.State)
	})

	if err := conn.SetCredential(*token); err != nil {
		log.Fatal("Failed to connect: ", err)
	}
	if err := store.OpenConversation(*conversationID); err != nil {
		log.Fatal("Failed to open conversation: ", err)
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type to chat. Commands: /typing, /call <userId> [video], /accept, /reject, /end, /read, /quit")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			typing.StopTyping(*conversationID)
			if _, err := store.SendMessage(ctx, *conversationID, line); err != nil {
				log.Printf("Send failed: %v", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/call":
			if len(fields) < 2 {
				log.Println("Usage: /call <userId> [video]")
				continue
			}
			calleeID, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				log.Printf("Bad user id %q", fields[1])
				continue
			}
			callType := realtime.CallTypeAudio
			if len(fields) > 2 && fields[2] == "video" {
				callType = realtime.CallTypeVideo
			}
			if err := calls.StartCall(ctx, *conversationID, calleeID, callType); err != nil {
				log.Printf("Call failed: %v", err)
			}

		case "/accept":
			if err := calls.AcceptCall(ctx); err != nil {
				log.Printf("Accept failed: %v", err)
			}

		case "/reject":
			if err := calls.RejectCall(); err != nil {
				log.Printf("Reject failed: %v", err)
			}

		case "/end":
			if err := calls.EndCall(); err != nil {
				log.Printf("End failed: %v", err)
			}

		case "/read":
			if err := store.MarkRead(ctx, *conversationID); err != nil {
				log.Printf("Mark read failed: %v", err)
			}

		case "/typing":
			typing.NotifyTyping(*conversationID)

		case "/quit":
			return

		default:
			log.Printf("Unknown command %s", fields[0])
		}
	}
}
