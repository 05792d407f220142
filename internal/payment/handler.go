package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"subshop-bot/internal/engine"
	"subshop-bot/internal/utils"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Handler turns gateway webhooks into PaymentConfirmed intents. The gateway
// retries deliveries, so everything downstream is idempotent on the payment
// id.
type Handler struct {
	Engine       *engine.Engine
	Bot          *telego.Bot
	AllowedCIDRs []string
	AdminIDs     []int64
}

func NewHandler(eng *engine.Engine, bot *telego.Bot, allowedCIDRs []string, adminIDs []int64) *Handler {
	return &Handler{
		Engine:       eng,
		Bot:          bot,
		AllowedCIDRs: allowedCIDRs,
		AdminIDs:     adminIDs,
	}
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ip := utils.RemoteIP(r); !utils.IsAllowedIP(ip, h.AllowedCIDRs) {
		log.Printf("Rejected webhook from %s", ip)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		log.Printf("Failed to decode webhook: %v", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if notification.Event != "payment.succeeded" {
		log.Printf("Ignored event: %s", notification.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.processSuccess(r.Context(), notification.Object); err != nil {
		log.Printf("Failed to process payment %s: %v", notification.Object.ID, err)
		// non-200 makes the gateway redeliver; the idempotency key keeps
		// the redelivery harmless
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) processSuccess(ctx context.Context, obj WebhookObject) error {
	telegramIDStr, ok := obj.Metadata["telegram_id"]
	if !ok {
		return fmt.Errorf("metadata missing telegram_id")
	}
	telegramID, err := strconv.ParseInt(telegramIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram_id: %w", err)
	}

	amount, err := ParseMinorUnits(obj.Amount.Value)
	if err != nil {
		return fmt.Errorf("invalid payment amount: %w", err)
	}

	account, err := h.Engine.UpsertAccount(ctx, telegramID, "")
	if err != nil {
		return fmt.Errorf("failed to resolve account: %w", err)
	}

	intent := engine.PaymentConfirmed{
		Ref:       obj.ID,
		AccountID: account.ID,
		Amount:    amount,
		Purpose:   obj.Metadata["type"],
	}
	if intent.Purpose == "" {
		intent.Purpose = engine.PurposeTopUp
	}
	if planIDStr, ok := obj.Metadata["plan_id"]; ok {
		planID, err := strconv.ParseUint(planIDStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid plan_id: %w", err)
		}
		intent.PlanID = uint(planID)
	}

	result, err := h.Engine.ConfirmPayment(ctx, intent)
	if err != nil {
		return err
	}

	// the deposit is committed even when the purchase half failed; tell the
	// user where the money went and ack the delivery
	switch {
	case errors.Is(result.PurchaseErr, engine.ErrInsufficientFunds):
		h.notify(telegramID, fmt.Sprintf(
			"⚠️ Платеж получен, но суммы не хватило на тариф. Баланс пополнен на %s₽.\nТекущий баланс: %s₽",
			FormatMinorUnits(amount), FormatMinorUnits(result.Balance)))
		return nil
	case result.PurchaseErr != nil:
		log.Printf("Payment %s credited but purchase failed: %v", obj.ID, result.PurchaseErr)
		h.notify(telegramID, fmt.Sprintf(
			"⚠️ Платеж получен и зачислен на баланс (%s₽), но тариф сейчас недоступен. Выберите тариф в меню.",
			FormatMinorUnits(amount)))
		return nil
	}

	h.notifyOutcome(telegramID, amount, result)
	return nil
}

func (h *Handler) notifyOutcome(telegramID int64, amount int64, result *engine.PaymentResult) {
	if result.Purchase == nil {
		h.notify(telegramID, fmt.Sprintf(
			"✅ Баланс успешно пополнен на %s₽\nТекущий баланс: %s₽",
			FormatMinorUnits(amount), FormatMinorUnits(result.Balance)))
		return
	}

	sub := result.Purchase.Subscription
	msg := fmt.Sprintf("✅ Оплата прошла успешно! Подписка активна до %s.",
		sub.ExpiresAt.Format("02.01.2006"))
	if sub.DeliveryURL != "" {
		msg += fmt.Sprintf("\n\n🔗 Ссылка на подписку:\n%s", sub.DeliveryURL)
	} else {
		msg += "\n\n⏳ Ссылка на подписку будет отправлена в ближайшее время."
		h.alertAdmins(fmt.Sprintf(
			"⚠️ Пул ссылок пуст!\nПодписка #%d (telegram %d) ждет доставки.", sub.ID, telegramID))
	}
	h.notify(telegramID, msg)

	if credit := result.Purchase.ReferralCredit; credit != nil {
		if referrer, err := h.Engine.AccountByID(context.Background(), credit.AccountID); err == nil {
			h.notify(referrer.TelegramID, fmt.Sprintf(
				"💰 Вам начислен реферальный бонус: %s₽ за покупку друга!",
				FormatMinorUnits(credit.Delta)))
		}
	}
}

func (h *Handler) notify(telegramID int64, text string) {
	_, err := h.Bot.SendMessage(context.Background(), tu.Message(tu.ID(telegramID), text))
	if err != nil {
		log.Printf("Failed to notify %d: %v", telegramID, err)
	}
}

func (h *Handler) alertAdmins(text string) {
	for _, id := range h.AdminIDs {
		h.notify(id, text)
	}
}
