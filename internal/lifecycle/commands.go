package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/eviction"
)

// Command types accepted on the command channel.
const (
	CmdSkipWaiting         = "SKIP_WAITING"
	CmdCacheCleanup        = "CACHE_CLEANUP"
	CmdOptimizePerformance = "OPTIMIZE_PERFORMANCE"
	CmdBatteryOptimization = "BATTERY_OPTIMIZATION"
	CmdGetVersion          = "GET_VERSION"
)

// Messages sent to clients.
const (
	MsgVersion      = "VERSION"
	MsgNotification = "NOTIFICATION"
	MsgOpenWindow   = "OPEN_WINDOW"
)

// LevelLowEnd enables mobile-tier caching.
const LevelLowEnd = "low-end"

var ErrBadCommand = errors.New("malformed command")

// VersionInfo answers GET_VERSION.
type VersionInfo struct {
	Version string `json:"version"`
	State   State  `json:"state"`
	Pending string `json:"pending,omitempty"`
}

type performanceData struct {
	Level string `json:"level"`
}

type batteryData struct {
	Enabled bool `json:"enabled"`
}

// HandleMessage executes one command and returns the reply, if the command
// has one. Unknown types are logged and ignored.
func (c *Controller) HandleMessage(ctx context.Context, msg eventbus.Message) (any, error) {
	msgType := strings.ToUpper(strings.TrimSpace(msg.Type))
	c.metrics.Command(msgType)

	switch msgType {
	case CmdSkipWaiting:
		err := c.Activate(ctx)
		if errors.Is(err, ErrNothingToActivate) {
			slog.Debug("SKIP_WAITING without an installed deployment")
			return nil, nil
		}
		return nil, err

	case CmdCacheCleanup:
		if c.evict == nil {
			return nil, nil
		}
		res, err := c.evict.RunEviction(ctx)
		if errors.Is(err, eviction.ErrNoStore) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cache cleanup: %w", err)
		}
		return res, nil

	case CmdOptimizePerformance:
		var data performanceData
		if err := decodeData(msg, &data); err != nil {
			return nil, err
		}
		lowEnd := data.Level == LevelLowEnd
		c.router.SetMobileTier(lowEnd)
		slog.Info("Performance level changed", "level", data.Level, "mobile_tier", lowEnd)
		return nil, nil

	case CmdBatteryOptimization:
		var data batteryData
		if err := decodeData(msg, &data); err != nil {
			return nil, err
		}
		c.batterySaver.Store(data.Enabled)
		if c.watcher != nil {
			c.watcher.SetPaused(data.Enabled)
		}
		slog.Info("Battery optimization changed", "enabled", data.Enabled)
		return nil, nil

	case CmdGetVersion:
		info := VersionInfo{State: c.State()}
		if d := c.Active(); d != nil {
			info.Version = d.Version
		}
		if d := c.Pending(); d != nil {
			info.Pending = d.Version
		}
		return eventbus.NewMessage(MsgVersion, info)

	default:
		slog.Warn("Ignoring unknown command", "type", msg.Type)
		return nil, nil
	}
}

func decodeData(msg eventbus.Message, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadCommand, msg.Type, err)
	}
	return nil
}

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what a push event shows.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
	Actions []NotificationAction `json:"actions"`
}

const (
	notificationIcon  = "/icons/icon-192x192.png"
	notificationBadge = "/icons/badge-72x72.png"
	defaultPushBody   = "New update available"
)

// HandlePush turns a push payload into a notification and broadcasts it.
// The payload is shown as text.
func (c *Controller) HandlePush(_ context.Context, payload []byte) (*Notification, error) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = defaultPushBody
	}
	n := &Notification{
		Title:   c.appName,
		Body:    body,
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: []int{100, 50, 100},
		Data:    map[string]any{"dateOfArrival": time.Now().UnixMilli()},
		Actions: []NotificationAction{
			{Action: "explore", Title: "View details", Icon: "/icons/checkmark.png"},
			{Action: "close", Title: "Close", Icon: "/icons/xmark.png"},
		},
	}
	c.broadcast(MsgNotification, n)
	return n, nil
}

// HandleNotificationClick opens the app for the explore action.
func (c *Controller) HandleNotificationClick(_ context.Context, action string) error {
	switch action {
	case "explore":
		c.broadcast(MsgOpenWindow, map[string]string{"url": "/"})
	case "close", "":
	default:
		slog.Debug("Ignoring notification action", "action", action)
	}
	return nil
}
