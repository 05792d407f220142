package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type PlanSeed struct {
	Name         string
	Price        int64 // minor units
	DurationDays int
}

type Config struct {
	DBUser            string
	DBPassword        string
	DBName            string
	DBHost            string
	DBPort            string
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	BotToken          string
	AdminIDs          []int64
	YookassaShopID    string
	YookassaKey       string
	WebhookAddr       string
	AllowedYooIp      []string
	ReferralPercent   int
	RenewalExtends    bool
	PendingPaymentTTL time.Duration
	Plans             []PlanSeed
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", "postgres"),
		DBName:            getEnv("DB_NAME", "subshop_bot"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		BotToken:          getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:          parseInt64List(getEnv("ADMIN_IDS", "")),
		YookassaShopID:    getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:       getEnv("YOOKASSA_SECRET_KEY", ""),
		WebhookAddr:       getEnv("WEBHOOK_ADDR", ":8080"),
		ReferralPercent:   getEnvInt("REFERRAL_PERCENT", 15),
		RenewalExtends:    getEnv("RENEWAL_POLICY", "extend") != "overwrite",
		PendingPaymentTTL: time.Duration(getEnvInt("PENDING_PAYMENT_TTL_HOURS", 24)) * time.Hour,
		Plans:             parsePlans(getEnv("PLANS", "")),
		AllowedYooIp: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.224/28",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func parseInt64List(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid admin id %q", part)
			continue
		}
		out = append(out, id)
	}
	return out
}

// parsePlans reads "name:price:days;..." with prices in minor units, e.g.
// "1 month:25500:30;3 months:69900:90".
func parsePlans(s string) []PlanSeed {
	if s == "" {
		return []PlanSeed{
			{Name: "1 month", Price: 25500, DurationDays: 30},
			{Name: "3 months", Price: 69900, DurationDays: 90},
			{Name: "6 months", Price: 129900, DurationDays: 180},
			{Name: "12 months", Price: 229900, DurationDays: 365},
		}
	}
	var plans []PlanSeed
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			log.Printf("Skipping invalid plan spec %q", part)
			continue
		}
		price, err1 := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		days, err2 := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err1 != nil || err2 != nil || price <= 0 || days <= 0 {
			log.Printf("Skipping invalid plan spec %q", part)
			continue
		}
		plans = append(plans, PlanSeed{Name: strings.TrimSpace(fields[0]), Price: price, DurationDays: days})
	}
	return plans
}
