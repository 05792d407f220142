package main

import (
	"log"
	"net/http"
	"time"

	"subshop-bot/internal/bot"
	"subshop-bot/internal/config"
	"subshop-bot/internal/database"
	"subshop-bot/internal/engine"
	"subshop-bot/internal/payment"
	"subshop-bot/internal/worker"
)

func main() {
	cfg := config.LoadConfig()

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	if err := database.SeedPlans(db, cfg.Plans); err != nil {
		log.Fatalf("Could not seed plans: %v", err)
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	eng := engine.New(db, engine.Policy{
		ReferralPercent:   cfg.ReferralPercent,
		RenewalExtends:    cfg.RenewalExtends,
		PendingPaymentTTL: cfg.PendingPaymentTTL,
	})

	paymentClient := payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey)

	tgBot, err := bot.NewBot(cfg.BotToken, paymentClient, eng, cfg.AdminIDs)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}

	// Payment webhook
	webhook := payment.NewHandler(eng, tgBot.Instance, cfg.AllowedYooIp, cfg.AdminIDs)
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/yookassa", webhook.HandleWebhook)
	srv := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Webhook server listening on %s", cfg.WebhookAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Webhook server failed: %v", err)
		}
	}()

	// Subscription sweep and expiry notifications
	checker := worker.NewChecker(eng, rdb, tgBot.Instance)
	go checker.Start()

	log.Println("Service started successfully")
	tgBot.Start()
}
