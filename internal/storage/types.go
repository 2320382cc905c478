package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// MessageType is the closed set of content types a warmup campaign can send.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeSticker  MessageType = "sticker"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypePoll     MessageType = "poll"
	TypeButton   MessageType = "button"
	TypeList     MessageType = "list"
	TypeReaction MessageType = "reaction"

	// TypeReply is a send behavior rather than a stored content type:
	// it reuses text contents and is dispatched as a quoted text message.
	TypeReply MessageType = "reply"
)

// ContentTypes lists every type that content rows may carry.
var ContentTypes = []MessageType{
	TypeText, TypeImage, TypeVideo, TypeAudio, TypeSticker, TypeDocument,
	TypeLocation, TypeContact, TypePoll, TypeButton, TypeList, TypeReaction,
}

func ValidContentType(t MessageType) bool {
	for _, ct := range ContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// Worker / campaign statuses persisted on stats rows.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusError   = "error"
	StatusStopped = "stopped"
)

// Instance is one provider session a worker operates on.
// The engine only reads these rows; connection management lives elsewhere.
type Instance struct {
	InstanceID   string    `json:"instanceId"`
	UserID       string    `json:"userId"`
	InstanceName string    `json:"instanceName"`
	Status       string    `json:"status"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
	IsActive     bool      `json:"isActive"`
	IsConnected  bool      `json:"isConnected"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WarmupConfig is the immutable-per-run campaign policy.
// Workers cache it at start and reload it only when resuming from a pause.
type WarmupConfig struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	MaxConcurrentInstances int `json:"maxConcurrentInstances"`
	DailyMessageLimit      int `json:"dailyMessageLimit"`
	MonthlyMessageLimit    int `json:"monthlyMessageLimit"`

	// Pacing bounds in seconds.
	MessageIntervalMin int `json:"messageIntervalMin"`
	MessageIntervalMax int `json:"messageIntervalMax"`

	// Per-type chances, fractions in [0,1]. Sampled via weighted draw;
	// they are not required to sum to 1.
	TextChance     float64 `json:"textChance"`
	AudioChance    float64 `json:"audioChance"`
	ReactionChance float64 `json:"reactionChance"`
	StickerChance  float64 `json:"stickerChance"`
	ImageChance    float64 `json:"imageChance"`
	VideoChance    float64 `json:"videoChance"`
	DocumentChance float64 `json:"documentChance"`
	LocationChance float64 `json:"locationChance"`
	ContactChance  float64 `json:"contactChance"`
	PollChance     float64 `json:"pollChance"`

	EnableReactions     bool `json:"enableReactions"`
	EnableReplies       bool `json:"enableReplies"`
	EnableMediaMessages bool `json:"enableMediaMessages"`
	EnableGroupMessages bool `json:"enableGroupMessages"`

	// Group targeting. Chances are fractions in [0,1].
	GroupChance      float64 `json:"groupChance"`
	GroupID          string  `json:"groupId,omitempty"`
	GroupJoinChance  float64 `json:"groupJoinChance"`
	GroupLeaveChance float64 `json:"groupLeaveChance"`

	UseExternalNumbers    bool     `json:"useExternalNumbers"`
	ExternalNumbersChance float64  `json:"externalNumbersChance"`
	ExternalNumbers       []string `json:"externalNumbers,omitempty"`

	TargetGroups  []string `json:"targetGroups,omitempty"`
	TargetNumbers []string `json:"targetNumbers,omitempty"`

	TypingSimulation       bool `json:"typingSimulation"`
	OnlineStatusSimulation bool `json:"onlineStatusSimulation"`
	ReadReceiptSimulation  bool `json:"readReceiptSimulation"`

	// Active hours, local clock [start, end). 0/0 means always active.
	ActiveHoursStart int `json:"activeHoursStart"`
	ActiveHoursEnd   int `json:"activeHoursEnd"`

	RetryOnError bool `json:"retryOnError"`
	MaxRetries   int  `json:"maxRetries"`

	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ContentPayload is the type-tagged body of a content row.
// Only the fields relevant to the row's type are set.
type ContentPayload struct {
	Text string `json:"text,omitempty"`

	// Media
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`

	// Location
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`

	// Contact
	ContactName   string `json:"contactName,omitempty"`
	ContactNumber string `json:"contactNumber,omitempty"`

	// Poll
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// Button
	ButtonText string `json:"buttonText,omitempty"`
	ButtonURL  string `json:"buttonUrl,omitempty"`

	// List
	ListTitle string     `json:"listTitle,omitempty"`
	ListItems []ListItem `json:"listItems,omitempty"`

	// Reaction emoji pool
	Emojis []string `json:"emojis,omitempty"`
}

type ListItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ContentItem is a reusable message payload with usage tracking.
// Eligible for selection iff IsActive && CurrentDailyUsage < MaxUsagePerDay.
type ContentItem struct {
	ID       string         `json:"id"`
	ConfigID string         `json:"configId"`
	UserID   string         `json:"userId"`
	Type     MessageType    `json:"type"`
	Payload  ContentPayload `json:"payload"`

	UsageWeight       float64 `json:"usageWeight"`
	MaxUsagePerDay    int     `json:"maxUsagePerDay"`
	CurrentDailyUsage int     `json:"currentDailyUsage"`
	IsActive          bool    `json:"isActive"`

	UseCount int        `json:"useCount"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WarmupStats is the per-(instance,user) counter row.
// Mutated only by the owning worker; read by the supervisor.
type WarmupStats struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	UserID     string `json:"userId"`
	ConfigID   string `json:"configId"`

	MessagesSent        int `json:"messagesSent"`
	DailyMessagesSent   int `json:"dailyMessagesSent"`
	MonthlyMessagesSent int `json:"monthlyMessagesSent"`
	MessagesReceived    int `json:"messagesReceived"`

	// SentByType accumulates per-type sent counters keyed by MessageType.
	SentByType map[string]int `json:"sentByType"`

	TotalErrors int `json:"totalErrors"`
	DailyErrors int `json:"dailyErrors"`
	RetryCount  int `json:"retryCount"`

	Status    string `json:"status"`
	IsRunning bool   `json:"isRunning"`

	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	LastResetAt    *time.Time `json:"lastResetAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MediaStats is the per-(instance,user,date,direction) analytics row.
type MediaStats struct {
	ID         string `json:"id"`
	InstanceID string `json:"instanceId"`
	UserID     string `json:"userId"`
	Date       string `json:"date"` // YYYY-MM-DD
	IsReceived bool   `json:"isReceived"`

	CountsByType map[string]int `json:"countsByType"`
	TotalDaily   int            `json:"totalDaily"`
	TotalAllTime int            `json:"totalAllTime"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LogEntry is an append-only action record. Never updated or deleted.
type LogEntry struct {
	ID          string      `json:"id"`
	InstanceID  string      `json:"instanceId"`
	UserID      string      `json:"userId"`
	ConfigID    string      `json:"configId,omitempty"`
	Action      string      `json:"action"`
	MessageType MessageType `json:"messageType,omitempty"`
	Target      string      `json:"target,omitempty"`
	Success     bool        `json:"success"`
	Details     string      `json:"details,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// PlanLimits is the static per-plan quota table.
type PlanLimits struct {
	MaxInstances    int `json:"maxInstances"`
	DailyMessages   int `json:"dailyMessages"`
	MonthlyMessages int `json:"monthlyMessages"`
}

var planLimits = map[string]PlanLimits{
	"FREE":       {MaxInstances: 2, DailyMessages: 100, MonthlyMessages: 1000},
	"BASIC":      {MaxInstances: 10, DailyMessages: 500, MonthlyMessages: 5000},
	"PRO":        {MaxInstances: 50, DailyMessages: 2000, MonthlyMessages: 20000},
	"ENTERPRISE": {MaxInstances: 200, DailyMessages: 10000, MonthlyMessages: 100000},
}

// PlanLimitsFor resolves a plan name to its quotas. Unknown plans get FREE.
func PlanLimitsFor(plan string) PlanLimits {
	if l, ok := planLimits[strings.ToUpper(strings.TrimSpace(plan))]; ok {
		return l
	}
	return planLimits["FREE"]
}

// DefaultExternalNumbers is the fallback destination pool used when a
// config has no usable individual targets.
var DefaultExternalNumbers = []string{
	"5511999999999",
	"5511888888888",
	"5511777777777",
	"5511666666666",
	"5511555555555",
	"5511444444444",
}

// Destination selection defaults (fractions in [0,1]).
const (
	DefaultGroupChance           = 0.30
	DefaultExternalNumbersChance = 0.20
)
