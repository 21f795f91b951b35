package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"multichat_go_backend/internal/api"
	"multichat_go_backend/internal/auth"
	"multichat_go_backend/internal/broker"
	"multichat_go_backend/internal/database"
	"multichat_go_backend/internal/llm"
	"multichat_go_backend/internal/services"
	"multichat_go_backend/internal/wsocket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	openRouterKey := os.Getenv("OPENROUTER_API_KEY")
	if openRouterKey == "" {
		log.Fatal("OPENROUTER_API_KEY is not set in the environment")
	}

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Comma-separated list of user IDs exempt from quota checks.
	var adminIDs []string
	if raw := os.Getenv("ADMIN_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				adminIDs = append(adminIDs, id)
			}
		}
	}

	// Initialize external services clients
	stripePublicKey := os.Getenv("STRIPE_PUBLIC_KEY")
	stripeSecretKey := os.Getenv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	stripeService := services.NewStripeService(stripePublicKey, stripeSecretKey, stripeWebhookSecret)

	modelClient := llm.NewOpenRouterClient(llm.Config{
		APIKey:  openRouterKey,
		BaseURL: os.Getenv("OPENROUTER_BASE_URL"),
	}, logger)

	// Initialize internal services
	messageBroker := broker.NewBroker()
	userService := services.NewUserService(db, adminIDs)
	quotaService := services.NewQuotaService(db, adminIDs, logger)
	sessionService := services.NewSessionService(db, logger)
	chatService := services.NewChatService(
		userService,
		quotaService,
		sessionService,
		modelClient,
		messageBroker,
		logger,
	)

	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173" // Default to your local frontend
	}

	// CORS middleware configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(allowedOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// WebSocket upgrader
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true // TODO: Implement a more secure check in production
		},
	}

	wsHandler := wsocket.NewHandler(chatService, upgrader)

	api.SetupRoutes(r, chatService, userService, sessionService, stripeService)
	auth.SetupRoutes(r, userService)

	r.GET("/ws", auth.AuthMiddleware(userService), func(c *gin.Context) {
		user, _ := c.Get("user")
		wsHandler.HandleWebSocket(c.Writer, c.Request, user, messageBroker)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	log.Printf("Server starting on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
