package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	SimInitialized     string
	LiveDisabled       string
	LiveEnabled        string
	JournalEnabled     string

	// Feeds & background loops
	TickerFeedStarted string
	MockFeedStarted   string
	ReconStarted      string
	WatcherStarted    string

	// Order validation
	InvalidRequest     string
	InsufficientMargin string
	UnknownSymbol      string
	BelowMinNotional   string
	QuantityTooSmall   string
	PositionNotFound   string
	ExchangeFailed     string

	// Positions
	PositionOpened string
	PositionClosed string
	TakeProfitHit  string
	StopLossHit    string

	// Live order flow
	EntrySubmitted     string
	CloseSubmitted     string
	LeverageFailed     string
	MarginTypeFailed   string
	PositionModeFailed string
	BracketSwapped     string
	BracketPlaced      string
	BracketFailed      string
	PartialBracket     string

	// Reconciliation
	ClosedOnExchange   string
	DetectedOnExchange string

	// Signals
	SignalHold        string
	SignalHasPosition string
	SignalNoAccount   string
	SignalThrottled   string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting perpdesk trading engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using journal DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	SimInitialized:     "Simulated ledger initialized: %.2f",
	LiveDisabled:       "Live backend disabled (no API credentials)",
	LiveEnabled:        "Live backend enabled (testnet=%v)",
	JournalEnabled:     "Trade journal enabled",

	// Feeds & background loops
	TickerFeedStarted: "Ticker price feed started",
	MockFeedStarted:   "Mock price feed started",
	ReconStarted:      "Reconciliation service started",
	WatcherStarted:    "TP/SL watcher started",

	// Order validation
	InvalidRequest:     "Invalid order: %s",
	InsufficientMargin: "Insufficient margin: need %.2f, available %.2f",
	UnknownSymbol:      "Unknown symbol: %s",
	BelowMinNotional:   "Order value %.2f is below the %.2f minimum for %s",
	QuantityTooSmall:   "Quantity for %s rounds to zero (step %v)",
	PositionNotFound:   "Position not found: %s",
	ExchangeFailed:     "Exchange request failed: %v",

	// Positions
	PositionOpened: "Opened %s %s qty %s @ %s (margin %.2f, %dx)",
	PositionClosed: "Closed %s %s @ %s, PnL %.2f",
	TakeProfitHit:  "Take profit hit: %s %s @ %s, PnL %.2f",
	StopLossHit:    "Stop loss hit: %s %s @ %s, PnL %.2f",

	// Live order flow
	EntrySubmitted:     "Market order submitted: %s %s qty %s",
	CloseSubmitted:     "Close order submitted: %s %s qty %s",
	LeverageFailed:     "Set leverage failed for %s: %v",
	MarginTypeFailed:   "Set margin type failed for %s: %v",
	PositionModeFailed: "Position mode unknown, assuming one-way: %v",
	BracketSwapped:     "TP/SL inverted for %s %s, swapped to TP %s SL %s",
	BracketPlaced:      "%s set for %s at %s",
	BracketFailed:      "%s order failed for %s: %v",
	PartialBracket:     "Position opened but protection incomplete: %s",

	// Reconciliation
	ClosedOnExchange:   "%s %s closed on exchange",
	DetectedOnExchange: "%s %s detected on exchange, qty %s",

	// Signals
	SignalHold:        "Advice for %s is HOLD",
	SignalHasPosition: "Skip %s: a position is already open",
	SignalNoAccount:   "Skip %s: account data not loaded yet",
	SignalThrottled:   "Skip %s: last auto trade was %s ago",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動 perpdesk 交易引擎...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用交易日誌資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	SimInitialized:     "模擬帳本已初始化：%.2f",
	LiveDisabled:       "實盤後端未啟用（缺少 API 金鑰）",
	LiveEnabled:        "實盤後端已啟用（testnet=%v）",
	JournalEnabled:     "交易日誌已啟用",

	// Feeds & background loops
	TickerFeedStarted: "行情價格輪詢已啟動",
	MockFeedStarted:   "模擬行情已啟動",
	ReconStarted:      "對帳服務已啟動",
	WatcherStarted:    "止盈止損監控已啟動",

	// Order validation
	InvalidRequest:     "下單參數錯誤：%s",
	InsufficientMargin: "保證金不足：需要 %.2f，可用 %.2f",
	UnknownSymbol:      "未知交易對：%s",
	BelowMinNotional:   "下單金額 %.2f 低於 %.2f 的最小要求（%s）",
	QuantityTooSmall:   "%s 數量精度處理後為零（步長 %v）",
	PositionNotFound:   "找不到持倉：%s",
	ExchangeFailed:     "交易所請求失敗：%v",

	// Positions
	PositionOpened: "開倉 %s %s 數量 %s @ %s（保證金 %.2f，%dx）",
	PositionClosed: "平倉 %s %s @ %s，盈虧 %.2f",
	TakeProfitHit:  "觸發止盈：%s %s @ %s，盈虧 %.2f",
	StopLossHit:    "觸發止損：%s %s @ %s，盈虧 %.2f",

	// Live order flow
	EntrySubmitted:     "市價單已送出：%s %s 數量 %s",
	CloseSubmitted:     "平倉單已送出：%s %s 數量 %s",
	LeverageFailed:     "設定槓桿失敗 %s：%v",
	MarginTypeFailed:   "設定保證金模式失敗 %s：%v",
	PositionModeFailed: "無法取得持倉模式，假設為單向：%v",
	BracketSwapped:     "%s %s 止盈止損方向相反，已交換為止盈 %s 止損 %s",
	BracketPlaced:      "%s 已設定 %s @ %s",
	BracketFailed:      "%s 委託失敗 %s：%v",
	PartialBracket:     "已開倉但保護單不完整：%s",

	// Reconciliation
	ClosedOnExchange:   "%s %s 已在交易所平倉",
	DetectedOnExchange: "交易所偵測到 %s %s，數量 %s",

	// Signals
	SignalHold:        "%s 建議觀望",
	SignalHasPosition: "跳過 %s：已有持倉",
	SignalNoAccount:   "跳過 %s：尚未取得帳戶資料",
	SignalThrottled:   "跳過 %s：距上次自動交易僅 %s",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
