package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/timolein74/ai-art-arena/handlers"
	"github.com/timolein74/ai-art-arena/models"
	"github.com/timolein74/ai-art-arena/services"
	"github.com/timolein74/ai-art-arena/utils"
	"github.com/timolein74/ai-art-arena/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultEntryFee     = 50000 // 0.05 USDC in 6-decimal smallest units
	defaultFeeBps       = 1000  // 10% of 10000
	defaultGameDuration = 24 * time.Hour
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // submissions are JSON with URLs, nothing big
	})

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(allowedOriginsList, ","),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Game{},
		&models.Entry{},
		&models.PaymentProof{},
		&models.TransferMirror{},
		&models.PayoutRecord{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	archiveEnabled, err := utils.InitArchive()
	if err != nil {
		log.Fatal("failed to initialize report archive:", err)
	}

	escrowAddress := os.Getenv("ESCROW_ADDRESS")
	if escrowAddress == "" {
		log.Fatal("ESCROW_ADDRESS environment variable not set")
	}
	platformAddress := os.Getenv("PLATFORM_ADDRESS")
	if platformAddress == "" {
		log.Fatal("PLATFORM_ADDRESS environment variable not set")
	}

	paymentSourceURL := os.Getenv("PAYMENT_SOURCE_URL")
	if paymentSourceURL == "" {
		log.Fatal("PAYMENT_SOURCE_URL environment variable not set")
	}
	judgeServiceURL := os.Getenv("JUDGE_SERVICE_URL")
	if judgeServiceURL == "" {
		log.Fatal("JUDGE_SERVICE_URL environment variable not set")
	}
	judgeServiceToken := os.Getenv("JUDGE_SERVICE_TOKEN")
	if judgeServiceToken == "" {
		log.Fatal("JUDGE_SERVICE_TOKEN environment variable not set")
	}

	entryFee := envInt64("ENTRY_FEE_UNITS", defaultEntryFee)
	feeBps := envInt64("PLATFORM_FEE_BPS", defaultFeeBps)
	gameDuration := defaultGameDuration
	if h := envInt64("GAME_DURATION_HOURS", 0); h > 0 {
		gameDuration = time.Duration(h) * time.Hour
	}
	minConfs := envInt64("MIN_CONFIRMATIONS", 1)

	// Treasury credentials are optional at startup: without them the service
	// still serves reads and admissions, but settlement fails fast.
	treasury := services.NewTreasuryClient(os.Getenv("TREASURY_SERVICE_URL"), os.Getenv("TREASURY_SERVICE_TOKEN"))

	escrowService := services.NewEscrowService(db, treasury, escrowAddress, platformAddress, entryFee, feeBps, gameDuration)
	paymentSource := services.NewPaymentSourceClient(paymentSourceURL, os.Getenv("PAYMENT_SOURCE_TOKEN"))
	verifier := services.NewPaymentVerifier(db, paymentSource, escrowAddress, minConfs)
	entryService := services.NewEntryService(db, escrowService, verifier)
	judgeService := services.NewJudgeService(db, escrowService, services.NewJudgeHTTPClient(judgeServiceURL, judgeServiceToken))
	settlementService := services.NewSettlementService(db, escrowService, judgeService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncClient := workers.NewTransferSyncClient(db, escrowAddress)
	go workers.PollTransfers(ctx, syncClient, 10*time.Second)

	settlementService.StartSettlementScheduler(ctx)

	handlers.SetupGameRoutes(app, escrowService, entryService, settlementService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Transfer polling running (every 10s)")
	log.Println("✅ Settlement scheduler running (every 1m)")
	log.Printf("✅ Entry fee: %d units, platform fee: %d bps, game duration: %s", entryFee, feeBps, gameDuration)
	if treasury.Enabled() {
		log.Println("✅ Treasury payouts enabled")
	}
	if archiveEnabled {
		log.Println("✅ Settlement report archive enabled")
	}

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}
