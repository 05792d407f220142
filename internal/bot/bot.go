package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"subshop-bot/internal/engine"
	"subshop-bot/internal/models"
	"subshop-bot/internal/payment"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Conversation states for multi-step text input.
const (
	stateTopupAmount = "WAITING_TOPUP_AMOUNT"
	statePromoCode   = "WAITING_PROMO_CODE"
	stateAddLinks    = "WAITING_DELIVERY_LINKS"
	stateAdjust      = "WAITING_BALANCE_ADJUST"
	stateNewCode     = "WAITING_NEW_CODE"
	stateCancelSub   = "WAITING_CANCEL_SUB"
	stateExtendSub   = "WAITING_EXTEND_SUB"
	stateRefund      = "WAITING_REFUND"
	stateCodeOff     = "WAITING_CODE_OFF"
	stateDeleteLink  = "WAITING_LINK_DELETE"
)

const minTopup int64 = 10000 // 100 RUB in minor units

type Bot struct {
	Instance      *telego.Bot
	PaymentClient *payment.Client
	Engine        *engine.Engine
	AdminIDs      []int64
	UserStates    map[int64]string
	StatesMu      sync.RWMutex
}

func NewBot(token string, paymentClient *payment.Client, eng *engine.Engine, adminIDs []int64) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance:      tgBot,
		PaymentClient: paymentClient,
		Engine:        eng,
		AdminIDs:      adminIDs,
		UserStates:    make(map[int64]string),
	}, nil
}

func (b *Bot) isAdmin(telegramID int64) bool {
	for _, id := range b.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func (b *Bot) setState(telegramID int64, state string) {
	b.StatesMu.Lock()
	if state == "" {
		delete(b.UserStates, telegramID)
	} else {
		b.UserStates[telegramID] = state
	}
	b.StatesMu.Unlock()
}

func (b *Bot) state(telegramID int64) string {
	b.StatesMu.RLock()
	defer b.StatesMu.RUnlock()
	return b.UserStates[telegramID]
}

// rub renders minor units as a ruble amount for messages.
func rub(amount int64) string {
	return payment.FormatMinorUnits(amount) + "₽"
}

func mainMenu() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("👤 Личный кабинет").WithCallbackData("profile"),
			tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚀 Купить подписку").WithCallbackData("plans"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🤝 Партнерская программа").WithCallbackData("partner"),
			tu.InlineKeyboardButton("🎁 Промокод").WithCallbackData("promo"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📖 Инструкция").WithCallbackData("instruction"),
		),
	)
}

func adminMenu() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 Статистика").WithCallbackData("admin_stats"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔗 Добавить ссылки").WithCallbackData("admin_links"),
			tu.InlineKeyboardButton("📦 Выдать ожидающим").WithCallbackData("admin_fulfill"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Корректировка баланса").WithCallbackData("admin_adjust"),
			tu.InlineKeyboardButton("🎟 Новый промокод").WithCallbackData("admin_code"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📋 Пул ссылок").WithCallbackData("admin_pool"),
			tu.InlineKeyboardButton("🗑 Удалить ссылку").WithCallbackData("admin_link_delete"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚫 Отменить подписку").WithCallbackData("admin_cancel"),
			tu.InlineKeyboardButton("⏩ Продлить подписку").WithCallbackData("admin_extend"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("↩️ Возврат средств").WithCallbackData("admin_refund"),
			tu.InlineKeyboardButton("🛑 Отключить промокод").WithCallbackData("admin_code_off"),
		),
	)
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}

		account, err := b.Engine.UpsertAccount(ctx.Context(), telegramID, message.From.Username)
		if err != nil {
			log.Printf("Failed to upsert account for %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Сервис временно недоступен, попробуйте позже."))
			return nil
		}

		// Deep-link payload is a referral or promo code. Repeat visits and
		// own-code clicks are expected, not errors.
		if args != "" && args != account.ReferralCode {
			if _, err := b.Engine.Redeem(ctx.Context(), account.ID, args); err != nil &&
				!errors.Is(err, engine.ErrNotFound) &&
				!errors.Is(err, engine.ErrAlreadyRedeemed) &&
				!errors.Is(err, engine.ErrExpired) &&
				!errors.Is(err, engine.ErrExhausted) {
				log.Printf("Failed to redeem start payload %q for %d: %v", args, telegramID, err)
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("Привет, %s! 👋\n\nЗдесь можно купить подписку, оплатив с внутреннего баланса.", message.From.FirstName),
		).WithReplyMarkup(mainMenu()))
		return nil
	}, th.CommandEqual("start"))

	// /admin command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		if !b.isAdmin(telegramID) {
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "🛠 Панель администратора").WithReplyMarkup(adminMenu()))
		return nil
	}, th.CommandEqual("admin"))

	// Tariff list
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		plans, err := b.Engine.ActivePlans(ctx.Context())
		if err != nil || len(plans) == 0 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Тарифы временно недоступны."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		rows := make([][]telego.InlineKeyboardButton, 0, len(plans)+1)
		for _, plan := range plans {
			label := fmt.Sprintf("🚀 %s — %s", plan.Name, rub(plan.Price))
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(label).WithCallbackData(fmt.Sprintf("buy_%d", plan.ID)),
			))
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
		))

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			"📊 Тарифные планы:\nОплата списывается с внутреннего баланса.",
		).WithReplyMarkup(tu.InlineKeyboard(rows...)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("plans"))

	// Purchase from balance
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()

		planID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "buy_"), 10, 32)
		if err != nil {
			return nil
		}

		account, err := b.Engine.AccountByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Аккаунт не найден. Нажмите /start."))
			return nil
		}

		key := fmt.Sprintf("buy:%d:%s", account.ID, uuid.New().String())
		result, err := b.Engine.Buy(ctx.Context(), account.ID, uint(planID), key)
		switch {
		case errors.Is(err, engine.ErrInsufficientFunds):
			balance, _ := b.Engine.BalanceOf(ctx.Context(), account.ID)
			plan, planErr := b.Engine.PlanByID(ctx.Context(), uint(planID))
			msg := fmt.Sprintf("❌ Недостаточно средств.\nВаш баланс: %s", rub(balance))
			keyboard := tu.InlineKeyboard(
				tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
				),
				tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("« Назад").WithCallbackData("plans"),
				),
			)
			if planErr == nil {
				msg = fmt.Sprintf("❌ Недостаточно средств.\nВаш баланс: %s\nСтоимость: %s", rub(balance), rub(plan.Price))
				keyboard = tu.InlineKeyboard(
					tu.InlineKeyboardRow(
						tu.InlineKeyboardButton("💳 Оплатить картой").WithCallbackData(fmt.Sprintf("pay_plan_%d", plan.ID)),
					),
					tu.InlineKeyboardRow(
						tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
					),
					tu.InlineKeyboardRow(
						tu.InlineKeyboardButton("« Назад").WithCallbackData("plans"),
					),
				)
			}
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithReplyMarkup(keyboard))
			return nil
		case errors.Is(err, engine.ErrPlanInactive), errors.Is(err, engine.ErrNotFound):
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Этот тариф больше недоступен."))
			return nil
		case err != nil:
			log.Printf("Purchase failed for %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при покупке. Средства не списаны."))
			return nil
		}

		b.sendPurchaseSuccess(ctx, telegramID, result)
		return nil
	}, th.CallbackDataPrefix("buy_"))

	// Direct card payment for a plan when the balance is short
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()

		planID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "pay_plan_"), 10, 32)
		if err != nil {
			return nil
		}
		account, err := b.Engine.AccountByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Аккаунт не найден. Нажмите /start."))
			return nil
		}
		plan, err := b.Engine.PlanByID(ctx.Context(), uint(planID))
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Этот тариф больше недоступен."))
			return nil
		}

		metadata := map[string]string{
			"telegram_id": strconv.FormatInt(telegramID, 10),
			"type":        engine.PurposePlan,
			"plan_id":     strconv.FormatUint(uint64(plan.ID), 10),
		}
		resp, err := b.PaymentClient.CreatePayment(ctx.Context(), plan.Price, "RUB",
			fmt.Sprintf("Подписка: %s", plan.Name), "https://t.me/", metadata)
		if err != nil {
			log.Printf("Failed to create plan payment for %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при создании платежа."))
			return nil
		}

		// Bind the pending subscription to the gateway payment id so the
		// webhook can finish the purchase.
		if _, err := b.Engine.BeginPurchase(ctx.Context(), account.ID, plan.ID, resp.ID); err != nil {
			log.Printf("Failed to begin purchase %s for %d: %v", resp.ID, telegramID, err)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("💳 Оплата %s за %s:\n%s\n\nПодписка активируется сразу после оплаты.", plan.Name, rub(plan.Price), resp.Confirmation.ConfirmationURL),
		))
		return nil
	}, th.CallbackDataPrefix("pay_plan_"))

	// Profile
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()

		account, err := b.Engine.AccountByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "👤 Профиль не найден. Нажмите /start."))
			return nil
		}
		balance, err := b.Engine.BalanceOf(ctx.Context(), account.ID)
		if err != nil {
			log.Printf("Failed to read balance for %d: %v", telegramID, err)
		}

		status := "❌ Нет подписки"
		expiry := "—"
		link := ""
		sub, err := b.Engine.SubscriptionOf(ctx.Context(), account.ID)
		if err == nil {
			expiry = sub.ExpiresAt.Format("02.01.2006")
			switch sub.Status {
			case models.SubscriptionActive:
				status = "✅ Активна"
				link = sub.DeliveryURL
			case models.SubscriptionPendingPayment:
				status = "⏳ Ожидает оплаты"
				expiry = "—"
			case models.SubscriptionExpired:
				status = "⚠️ Истекла"
			case models.SubscriptionCancelled:
				status = "🚫 Отменена"
			}
		}

		msg := fmt.Sprintf("👤 *Личный кабинет:*\n\n🔹 ID: `%d`\n🔹 Баланс: %s\n🔹 Статус: %s\n🔹 Действует до: %s",
			telegramID, rub(balance), status, expiry)
		if link != "" {
			msg += fmt.Sprintf("\n\n🔗 *Твоя ссылка:*\n%s", link)
		} else if err == nil && sub.Status == models.SubscriptionActive {
			msg += "\n\n⏳ Ссылка готовится, мы пришлем её отдельным сообщением."
		}

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
			),
		)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown).WithReplyMarkup(keyboard))
		return nil
	}, th.CallbackDataEqual("profile"))

	// Instruction
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		msg := "📖 *Как это работает:*\n\n" +
			"1. Пополните баланс или оплатите тариф картой.\n" +
			"2. Выберите тариф в разделе 'Купить подписку'.\n" +
			"3. После оплаты вы получите персональную ссылку.\n" +
			"4. Приглашайте друзей по партнерской ссылке и получайте процент с их покупок."

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("instruction"))

	// Partner program
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()

		account, err := b.Engine.AccountByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Аккаунт не найден. Нажмите /start."))
			return nil
		}
		stats, err := b.Engine.ReferralStatsOf(ctx.Context(), account.ID)
		if err != nil {
			log.Printf("Failed to read referral stats for %d: %v", telegramID, err)
			stats = &engine.ReferralStats{}
		}

		botUsername := ""
		if info, err := b.Instance.GetMe(ctx.Context()); err == nil {
			botUsername = info.Username
		}
		refLink := fmt.Sprintf("https://t.me/%s?start=%s", botUsername, account.ReferralCode)

		msg := fmt.Sprintf("🤝 *Партнерская программа*\n\n"+
			"Приглашай друзей и получай процент с их первой покупки!\n\n"+
			"👥 Приглашено: %d\n"+
			"💰 Заработано: %s\n\n"+
			"🔗 *Твоя ссылка:*\n`%s`", stats.Invited, rub(stats.TotalEarned), refLink)

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
			),
		)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown).WithReplyMarkup(keyboard))
		return nil
	}, th.CallbackDataEqual("partner"))

	// Back to main menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			"Главное меню 👋",
		).WithReplyMarkup(mainMenu()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("start_back"))

	// Prompts that switch into a text-input state
	prompt := func(data, state, text string) {
		handler.Handle(func(ctx *th.Context, update telego.Update) error {
			telegramID := update.CallbackQuery.From.ID
			if strings.HasPrefix(data, "admin_") && !b.isAdmin(telegramID) {
				_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
				return nil
			}
			b.setState(telegramID, state)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), text))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(update.CallbackQuery.ID))
			return nil
		}, th.CallbackDataEqual(data))
	}

	prompt("topup_balance", stateTopupAmount, "💰 Введите сумму пополнения в рублях (минимум 100):")
	prompt("promo", statePromoCode, "🎁 Введите промокод:")
	prompt("admin_links", stateAddLinks, "🔗 Пришлите ссылки для выдачи, по одной в строке:")
	prompt("admin_adjust", stateAdjust, "💳 Формат: <telegram_id> <сумма в рублях, можно с минусом> <причина>")
	prompt("admin_code", stateNewCode, "🎟 Формат: <код> <бонус в рублях> <число использований, 0 = без лимита>")
	prompt("admin_cancel", stateCancelSub, "🚫 Формат: <telegram_id> <причина>")
	prompt("admin_extend", stateExtendSub, "⏩ Формат: <telegram_id> <дней>")
	prompt("admin_refund", stateRefund, "↩️ Формат: <telegram_id> <сумма в рублях> <причина>")
	prompt("admin_code_off", stateCodeOff, "🛑 Введите код, который нужно отключить:")
	prompt("admin_link_delete", stateDeleteLink, "🗑 Введите номер свободной ссылки (см. 'Пул ссылок'):")

	// Admin: dashboard
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()
		if !b.isAdmin(telegramID) {
			return nil
		}

		stats, err := b.Engine.Stats(ctx.Context())
		if err != nil {
			log.Printf("Failed to build admin stats: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось собрать статистику."))
			return nil
		}

		msg := fmt.Sprintf("📊 *Статистика*\n\n"+
			"👥 Пользователей: %d (+%d сегодня)\n"+
			"🤝 По приглашениям: %d\n"+
			"💸 Выплачено партнерам: %s\n"+
			"🛒 Покупок сегодня: %d на %s\n"+
			"📦 Ожидают выдачи: %d\n"+
			"🔗 Ссылок в пуле: %d (выдано %d)",
			stats.AccountsTotal, stats.AccountsToday,
			stats.ReferralsTotal, rub(stats.ReferralPaidTotal),
			stats.PurchasesToday, rub(stats.RevenueToday),
			stats.PendingDeliveries,
			stats.LinksAvailable, stats.LinksUsed)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		return nil
	}, th.CallbackDataEqual("admin_stats"))

	// Admin: hand out pool links to waiting subscriptions
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()
		if !b.isAdmin(telegramID) {
			return nil
		}

		fulfilled, err := b.Engine.FulfillPending(ctx.Context())
		if err != nil {
			log.Printf("Failed to fulfill pending deliveries: %v", err)
		}
		for _, sub := range fulfilled {
			b.NotifyDelivery(ctx.Context(), &sub)
		}

		left, _ := b.Engine.PendingDeliveries(ctx.Context(), 1)
		msg := fmt.Sprintf("📦 Выдано ссылок: %d.", len(fulfilled))
		if len(left) > 0 {
			msg += "\n⚠️ Пул пуст, остались ожидающие подписки."
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
		return nil
	}, th.CallbackDataEqual("admin_fulfill"))

	// Admin: delivery link pool overview
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()
		if !b.isAdmin(telegramID) {
			return nil
		}

		available, used, err := b.Engine.DeliveryLinkCounts(ctx.Context())
		if err != nil {
			log.Printf("Failed to count delivery links: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось прочитать пул ссылок."))
			return nil
		}
		links, err := b.Engine.ListAvailableLinks(ctx.Context(), 10)
		if err != nil {
			log.Printf("Failed to list delivery links: %v", err)
			links = nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📋 Пул ссылок: %d свободно, %d выдано.", available, used)
		for _, link := range links {
			fmt.Fprintf(&sb, "\n#%d %s", link.ID, link.URL)
		}
		if int64(len(links)) < available {
			fmt.Fprintf(&sb, "\n… и ещё %d.", available-int64(len(links)))
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), sb.String()))
		return nil
	}, th.CallbackDataEqual("admin_pool"))

	// Text input dispatched by conversation state
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		text := strings.TrimSpace(update.Message.Text)

		switch b.state(telegramID) {
		case stateTopupAmount:
			b.handleTopupAmount(ctx, telegramID, text)
		case statePromoCode:
			b.handlePromoCode(ctx, telegramID, text)
		case stateAddLinks:
			if b.isAdmin(telegramID) {
				b.handleAddLinks(ctx, telegramID, text)
			}
		case stateAdjust:
			if b.isAdmin(telegramID) {
				b.handleAdjust(ctx, telegramID, text)
			}
		case stateNewCode:
			if b.isAdmin(telegramID) {
				b.handleNewCode(ctx, telegramID, text)
			}
		case stateCancelSub:
			if b.isAdmin(telegramID) {
				b.handleCancelSub(ctx, telegramID, text)
			}
		case stateExtendSub:
			if b.isAdmin(telegramID) {
				b.handleExtendSub(ctx, telegramID, text)
			}
		case stateRefund:
			if b.isAdmin(telegramID) {
				b.handleRefund(ctx, telegramID, text)
			}
		case stateCodeOff:
			if b.isAdmin(telegramID) {
				b.handleDeactivateCode(ctx, telegramID, text)
			}
		case stateDeleteLink:
			if b.isAdmin(telegramID) {
				b.handleDeleteLink(ctx, telegramID, text)
			}
		}
		return nil
	}, th.AnyMessageWithText())

	handler.Start()
}

func (b *Bot) sendPurchaseSuccess(ctx *th.Context, telegramID int64, result *engine.PurchaseResult) {
	sub := result.Subscription
	msg := fmt.Sprintf("✅ Подписка активирована!\n\n📅 Действует до: %s", sub.ExpiresAt.Format("02.01.2006"))
	if sub.DeliveryURL != "" {
		msg += fmt.Sprintf("\n\n🔗 *Твоя ссылка:*\n%s", sub.DeliveryURL)
	} else {
		msg += "\n\n⏳ Ссылка готовится, мы пришлем её отдельным сообщением."
	}
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))

	if result.ReferralCredit != nil {
		b.notifyReferrer(ctx.Context(), result.ReferralCredit)
	}
	if sub.DeliveryURL == "" {
		b.alertAdmins(ctx.Context(), "⚠️ Пул ссылок пуст: оплаченная подписка ждет выдачи.")
	}
}

func (b *Bot) handleTopupAmount(ctx *th.Context, telegramID int64, text string) {
	amount, err := payment.ParseMinorUnits(text)
	if err != nil || amount < minTopup {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректная сумма. Введите число не меньше 100."))
		return
	}

	metadata := map[string]string{
		"telegram_id": strconv.FormatInt(telegramID, 10),
		"type":        engine.PurposeTopUp,
	}
	resp, err := b.PaymentClient.CreatePayment(ctx.Context(), amount, "RUB", "Пополнение баланса", "https://t.me/", metadata)
	if err != nil {
		log.Printf("Failed to create topup payment for %d: %v", telegramID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при создании платежа."))
	} else {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("💳 Ссылка для пополнения на %s:\n%s", rub(amount), resp.Confirmation.ConfirmationURL),
		))
	}
	b.setState(telegramID, "")
}

func (b *Bot) handlePromoCode(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	account, err := b.Engine.AccountByTelegramID(ctx.Context(), telegramID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Аккаунт не найден. Нажмите /start."))
		return
	}

	code, codeErr := b.Engine.CodeByValue(ctx.Context(), text)
	_, err = b.Engine.Redeem(ctx.Context(), account.ID, text)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Такого промокода нет."))
	case errors.Is(err, engine.ErrExpired):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Срок действия промокода истек."))
	case errors.Is(err, engine.ErrExhausted):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Промокод уже исчерпан."))
	case errors.Is(err, engine.ErrAlreadyRedeemed):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Вы уже использовали этот промокод."))
	case err != nil:
		log.Printf("Failed to redeem %q for %d: %v", text, telegramID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось применить промокод, попробуйте позже."))
	default:
		msg := "✅ Промокод применён!"
		if codeErr == nil && code.BonusAmount > 0 {
			msg = fmt.Sprintf("✅ Промокод применён! На баланс зачислено %s.", rub(code.BonusAmount))
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
	}
}

func (b *Bot) handleAddLinks(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	links := strings.Split(text, "\n")
	added, err := b.Engine.AddDeliveryLinks(ctx.Context(), links)
	if err != nil {
		log.Printf("Failed to add delivery links: %v", err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось сохранить ссылки."))
		return
	}

	// New stock may unblock subscriptions stuck without a link.
	fulfilled, err := b.Engine.FulfillPending(ctx.Context())
	if err != nil {
		log.Printf("Failed to fulfill pending deliveries: %v", err)
	}
	for _, sub := range fulfilled {
		b.NotifyDelivery(ctx.Context(), &sub)
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("✅ Добавлено ссылок: %d. Выдано ожидающим: %d.", added, len(fulfilled)),
	))
}

func (b *Bot) handleAdjust(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	fields := strings.Fields(text)
	if len(fields) < 3 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Формат: <telegram_id> <сумма> <причина>"))
		return
	}
	targetTgID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректный telegram id."))
		return
	}
	amountText := fields[1]
	sign := int64(1)
	if strings.HasPrefix(amountText, "-") {
		sign = -1
		amountText = amountText[1:]
	}
	amount, err := payment.ParseMinorUnits(amountText)
	if err != nil || amount == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректная сумма."))
		return
	}
	reason := strings.Join(fields[2:], " ")

	account, err := b.Engine.AccountByTelegramID(ctx.Context(), targetTgID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Пользователь не найден."))
		return
	}

	key := fmt.Sprintf("admin:%d:%s", telegramID, uuid.New().String())
	if _, err := b.Engine.AdminAdjust(ctx.Context(), account.ID, sign*amount, reason, key); err != nil {
		if errors.Is(err, engine.ErrInsufficientFunds) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ На балансе пользователя недостаточно средств для списания."))
			return
		}
		log.Printf("Admin adjust failed for %d: %v", targetTgID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Корректировка не выполнена."))
		return
	}

	balance, _ := b.Engine.BalanceOf(ctx.Context(), account.ID)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("✅ Баланс пользователя %d: %s.", targetTgID, rub(balance)),
	))
	_, _ = b.Instance.SendMessage(ctx.Context(), tu.Message(
		tu.ID(targetTgID),
		fmt.Sprintf("ℹ️ Администратор изменил ваш баланс (%s). Текущий баланс: %s.", reason, rub(balance)),
	))
}

func (b *Bot) handleNewCode(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	fields := strings.Fields(text)
	if len(fields) != 3 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Формат: <код> <бонус в рублях> <число использований>"))
		return
	}
	bonus, err1 := payment.ParseMinorUnits(fields[1])
	uses, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || uses < 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректные параметры промокода."))
		return
	}

	spec := engine.CodeSpec{
		Code:        fields[0],
		Kind:        models.CodeKindPromo,
		BonusAmount: bonus,
	}
	if uses > 0 {
		spec.RemainingUses = &uses
	}
	code, err := b.Engine.CreateCode(ctx.Context(), spec)
	if err != nil {
		log.Printf("Failed to create code %q: %v", fields[0], err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), fmt.Sprintf("❌ Не удалось создать промокод: %v", err)))
		return
	}

	limit := "без лимита"
	if code.RemainingUses != nil {
		limit = fmt.Sprintf("%d использований", *code.RemainingUses)
	}
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("✅ Промокод `%s` создан: бонус %s, %s.", code.Code, rub(code.BonusAmount), limit),
	).WithParseMode(telego.ModeMarkdown))
}

func (b *Bot) handleCancelSub(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	fields := strings.Fields(text)
	if len(fields) < 2 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Формат: <telegram_id> <причина>"))
		return
	}
	targetTgID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректный telegram id."))
		return
	}
	reason := strings.Join(fields[1:], " ")

	account, err := b.Engine.AccountByTelegramID(ctx.Context(), targetTgID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Пользователь не найден."))
		return
	}
	sub, err := b.Engine.SubscriptionOf(ctx.Context(), account.ID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ У пользователя нет подписки."))
		return
	}

	cancelled, err := b.Engine.CancelSubscription(ctx.Context(), sub.ID, reason)
	if err != nil {
		log.Printf("Failed to cancel subscription %d: %v", sub.ID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Отмена не выполнена."))
		return
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("🚫 Подписка #%d пользователя %d отменена.", cancelled.ID, targetTgID),
	))
	_, _ = b.Instance.SendMessage(ctx.Context(), tu.Message(
		tu.ID(targetTgID),
		fmt.Sprintf("🚫 Ваша подписка отменена администратором. Причина: %s.", reason),
	))
}

func (b *Bot) handleExtendSub(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	fields := strings.Fields(text)
	if len(fields) != 2 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Формат: <telegram_id> <дней>"))
		return
	}
	targetTgID, err1 := strconv.ParseInt(fields[0], 10, 64)
	days, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || days <= 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректные параметры."))
		return
	}

	account, err := b.Engine.AccountByTelegramID(ctx.Context(), targetTgID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Пользователь не найден."))
		return
	}
	sub, err := b.Engine.SubscriptionOf(ctx.Context(), account.ID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ У пользователя нет подписки."))
		return
	}

	updated, err := b.Engine.ExtendSubscription(ctx.Context(), sub.ID, time.Duration(days)*24*time.Hour)
	if err != nil {
		log.Printf("Failed to extend subscription %d: %v", sub.ID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Продление не выполнено."))
		return
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("⏩ Подписка пользователя %d продлена до %s.", targetTgID, updated.ExpiresAt.Format("02.01.2006")),
	))
	_, _ = b.Instance.SendMessage(ctx.Context(), tu.Message(
		tu.ID(targetTgID),
		fmt.Sprintf("🎁 Ваша подписка продлена до %s.", updated.ExpiresAt.Format("02.01.2006")),
	))
}

func (b *Bot) handleRefund(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	fields := strings.Fields(text)
	if len(fields) < 3 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Формат: <telegram_id> <сумма> <причина>"))
		return
	}
	targetTgID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректный telegram id."))
		return
	}
	amount, err := payment.ParseMinorUnits(fields[1])
	if err != nil || amount == 0 {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректная сумма."))
		return
	}
	reason := strings.Join(fields[2:], " ")

	account, err := b.Engine.AccountByTelegramID(ctx.Context(), targetTgID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Пользователь не найден."))
		return
	}

	key := fmt.Sprintf("refund:%d:%s", telegramID, uuid.New().String())
	if _, err := b.Engine.Refund(ctx.Context(), account.ID, amount, key, reason); err != nil {
		log.Printf("Refund failed for %d: %v", targetTgID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Возврат не выполнен."))
		return
	}

	balance, _ := b.Engine.BalanceOf(ctx.Context(), account.ID)
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(telegramID),
		fmt.Sprintf("↩️ Возврат %s оформлен. Баланс пользователя: %s.", rub(amount), rub(balance)),
	))
	_, _ = b.Instance.SendMessage(ctx.Context(), tu.Message(
		tu.ID(targetTgID),
		fmt.Sprintf("↩️ Вам оформлен возврат %s (%s). Текущий баланс: %s.", rub(amount), reason, rub(balance)),
	))
}

func (b *Bot) handleDeactivateCode(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	err := b.Engine.DeactivateCode(ctx.Context(), text)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Такого кода нет."))
	case err != nil:
		log.Printf("Failed to deactivate code %q: %v", text, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось отключить код."))
	default:
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), fmt.Sprintf("🛑 Код %s отключен.", text)))
	}
}

func (b *Bot) handleDeleteLink(ctx *th.Context, telegramID int64, text string) {
	b.setState(telegramID, "")

	id, err := strconv.ParseUint(strings.TrimPrefix(text, "#"), 10, 32)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Некорректный номер ссылки."))
		return
	}
	err = b.Engine.DeleteDeliveryLink(ctx.Context(), uint(id))
	switch {
	case errors.Is(err, engine.ErrNotFound):
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Свободной ссылки с таким номером нет."))
	case err != nil:
		log.Printf("Failed to delete delivery link %d: %v", id, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось удалить ссылку."))
	default:
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), fmt.Sprintf("🗑 Ссылка #%d удалена из пула.", id)))
	}
}

// NotifyDelivery sends a subscription its freshly assigned link. The sub must
// carry a preloaded Account.
func (b *Bot) NotifyDelivery(ctx context.Context, sub *models.Subscription) {
	if sub.DeliveryURL == "" || sub.Account.TelegramID == 0 {
		return
	}
	_, err := b.Instance.SendMessage(ctx, tu.Message(
		tu.ID(sub.Account.TelegramID),
		fmt.Sprintf("🔗 *Твоя ссылка готова:*\n%s\n\n📅 Подписка действует до: %s", sub.DeliveryURL, sub.ExpiresAt.Format("02.01.2006")),
	).WithParseMode(telego.ModeMarkdown))
	if err != nil {
		log.Printf("Failed to notify %d about delivery: %v", sub.Account.TelegramID, err)
	}
}

func (b *Bot) notifyReferrer(ctx context.Context, credit *models.LedgerEntry) {
	referrer, err := b.Engine.AccountByID(ctx, credit.AccountID)
	if err != nil {
		return
	}
	_, _ = b.Instance.SendMessage(ctx, tu.Message(
		tu.ID(referrer.TelegramID),
		fmt.Sprintf("🎉 Ваш друг оформил подписку! Вам начислено %s.", rub(credit.Delta)),
	))
}

func (b *Bot) alertAdmins(ctx context.Context, text string) {
	for _, id := range b.AdminIDs {
		_, _ = b.Instance.SendMessage(ctx, tu.Message(tu.ID(id), text))
	}
}
