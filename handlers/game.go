package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/timolein74/ai-art-arena/middleware"
	"github.com/timolein74/ai-art-arena/services"
)

func SetupGameRoutes(app *fiber.App, escrow *services.EscrowService, entries *services.EntryService, settlement *services.SettlementService) {
	// 🔓 Public routes
	app.Get("/game", escrow.GetCurrentGame)
	app.Get("/leaderboard", entries.Leaderboard)
	app.Post("/pay", entries.CreatePaymentIntent)
	app.Post("/submit", entries.Submit)

	// 🔐 Privileged settlement triggers
	admin := app.Group("/admin", middleware.AdminAuthMiddleware())
	admin.Post("/finalize", settlement.ManualFinalize)
	admin.Post("/open", settlement.ManualOpen)
	admin.Post("/emergency-withdraw", escrow.EmergencyWithdrawHandler)
}
