package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"subshop-bot/internal/engine"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
)

// Checker is the periodic maintenance loop: it sweeps subscription statuses
// and sends expiry notifications. Redis keys keep notifications from repeating
// across cycles and restarts.
type Checker struct {
	Engine *engine.Engine
	Redis  *redis.Client
	Bot    *telego.Bot
}

func NewChecker(eng *engine.Engine, rdb *redis.Client, bot *telego.Bot) *Checker {
	return &Checker{
		Engine: eng,
		Redis:  rdb,
		Bot:    bot,
	}
}

func (c *Checker) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	log.Println("Background subscription worker started")

	// Run once at start
	c.runCycle()

	for range ticker.C {
		c.runCycle()
	}
}

func (c *Checker) runCycle() {
	ctx := context.Background()
	now := time.Now()

	log.Println("Running subscription check cycle...")

	report, err := c.Engine.Sweep(ctx)
	if err != nil {
		log.Printf("Sweep failed: %v", err)
	} else if report.Expired > 0 || report.Cancelled > 0 {
		log.Printf("Sweep: %d expired, %d stale pending cancelled", report.Expired, report.Cancelled)
	}

	c.notifyExpiringSoon(ctx, now)
	c.notifyExpired(ctx, now)
}

// notifyExpiringSoon warns owners of subscriptions expiring in roughly a day.
// The window is wider than the tick interval so nothing slips between cycles.
func (c *Checker) notifyExpiringSoon(ctx context.Context, now time.Time) {
	subs, err := c.Engine.ExpiringBetween(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	if err != nil {
		log.Printf("Error querying expiring subscriptions: %v", err)
		return
	}

	for _, sub := range subs {
		key := fmt.Sprintf("notified_24h_%d", sub.AccountID)
		exists, _ := c.Redis.Exists(ctx, key).Result()
		if exists != 0 {
			continue
		}
		_, err := c.Bot.SendMessage(ctx, tu.Message(
			tu.ID(sub.Account.TelegramID),
			"⚠️ Ваша подписка истекает через сутки! Продлите её, чтобы не потерять доступ.",
		))
		if err != nil {
			log.Printf("Failed to send 24h notification to %d: %v", sub.Account.TelegramID, err)
			continue
		}
		c.Redis.Set(ctx, key, "true", 48*time.Hour)
		log.Printf("Sent 24h notification to account %d", sub.AccountID)
	}
}

func (c *Checker) notifyExpired(ctx context.Context, now time.Time) {
	// Only subscriptions that lapsed within the last two days; older ones
	// were either notified already or predate the worker.
	subs, err := c.Engine.ExpiredSince(ctx, now.Add(-48*time.Hour))
	if err != nil {
		log.Printf("Error querying expired subscriptions: %v", err)
		return
	}

	for _, sub := range subs {
		key := fmt.Sprintf("notified_expired_%d_%d", sub.AccountID, sub.ID)
		exists, _ := c.Redis.Exists(ctx, key).Result()
		if exists != 0 {
			continue
		}
		_, err := c.Bot.SendMessage(ctx, tu.Message(
			tu.ID(sub.Account.TelegramID),
			"❌ Ваша подписка истекла. Оформите новую в разделе 'Купить подписку'.",
		))
		if err != nil {
			log.Printf("Failed to send expiration notification to %d: %v", sub.Account.TelegramID, err)
			continue
		}
		c.Redis.Set(ctx, key, "true", 72*time.Hour)
	}
}
