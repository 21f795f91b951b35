package wsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"multichat_go_backend/internal/broker"
	"multichat_go_backend/internal/models"
	"multichat_go_backend/internal/services"

	"github.com/gorilla/websocket"
)

type Handler struct {
	chatService *services.ChatService
	upgrader    websocket.Upgrader
}

type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

func NewHandler(chatService *services.ChatService, upgrader websocket.Upgrader) *Handler {
	return &Handler{
		chatService: chatService,
		upgrader:    upgrader,
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request, user interface{}, messageBroker *broker.Broker) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading connection: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	u := user.(*models.User)
	usageChan := messageBroker.Subscribe(broker.UsageTopic(u.ExternalID))
	defer messageBroker.Unsubscribe(broker.UsageTopic(u.ExternalID), usageChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-usageChan:
				payload, err := json.Marshal(event)
				if err != nil {
					log.Printf("Error marshaling usage event: %v", err)
					continue
				}
				if err := conn.WriteJSON(Message{
					Type:    "usage_update",
					Content: string(payload),
				}); err != nil {
					log.Printf("Error sending usage update: %v", err)
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Error unmarshaling message: %v", err)
			continue
		}

		switch msg.Type {
		case "message":
			h.handleChatMessage(ctx, conn, u, msg)
		case "ask":
			h.handleOneShot(ctx, conn, u, msg)
		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

func (h *Handler) handleChatMessage(ctx context.Context, conn *websocket.Conn, u *models.User, msg Message) {
	outcome, err := h.chatService.HandleIncoming(ctx, u.ExternalID, u.Username, msg.Content)
	if err != nil {
		conn.WriteJSON(Message{
			Type:    "error",
			Content: fmt.Sprintf("Failed to process message: %v", err),
		})
		return
	}
	h.writeOutcome(conn, outcome)
}

func (h *Handler) handleOneShot(ctx context.Context, conn *websocket.Conn, u *models.User, msg Message) {
	outcome, err := h.chatService.OneShotAsk(ctx, u.ExternalID, msg.Model, msg.Content)
	if err != nil {
		conn.WriteJSON(Message{
			Type:    "error",
			Content: fmt.Sprintf("Failed to process question: %v", err),
		})
		return
	}
	h.writeOutcome(conn, outcome)
}

// writeOutcome streams the reply in wire-sized chunks, then a terminal
// metadata frame carrying the usage numbers.
func (h *Handler) writeOutcome(conn *websocket.Conn, outcome *services.Outcome) {
	if !outcome.Success {
		conn.WriteJSON(Message{
			Type:    "denied",
			Content: outcome.Reason,
		})
		return
	}

	for _, chunk := range services.SplitReply(outcome.Reply) {
		if err := conn.WriteJSON(Message{
			Type:    "ai",
			Content: chunk,
			Model:   outcome.ModelKey,
		}); err != nil {
			log.Printf("Error sending reply chunk: %v", err)
			return
		}
	}

	meta, err := json.Marshal(outcome)
	if err != nil {
		log.Printf("Error marshaling outcome: %v", err)
		return
	}
	if err := conn.WriteJSON(Message{
		Type:    "done",
		Content: string(meta),
		Model:   outcome.ModelKey,
	}); err != nil {
		log.Printf("Error sending end message: %v", err)
	}
}
