package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/upstream"
)

const (
	NameSetReminder  = "set_reminder"
	NameToggleDevice = "toggle_smart_home"
	NameSaveMemory   = "save_to_long_term_memory"
)

// Reminder is one scheduled reminder. Reminders are advisory: the agent keeps
// the list and surfaces it through the log feed, nothing fires automatically.
type Reminder struct {
	Task      string
	Time      string
	CreatedAt time.Time
}

type ReminderTool struct {
	mu        sync.Mutex
	reminders []Reminder
	now       func() time.Time
}

func NewReminderTool() *ReminderTool {
	return &ReminderTool{now: time.Now}
}

func (t *ReminderTool) Name() string { return NameSetReminder }

func (t *ReminderTool) Declaration() upstream.ToolDecl {
	return upstream.ToolDecl{
		Name:        NameSetReminder,
		Description: "Sets a reminder for the user.",
		Params: []upstream.ParamDecl{
			{Name: "task", Description: "What to remind the user about", Required: true},
			{Name: "time", Description: "When to remind, in natural language", Required: true},
		},
	}
}

func (t *ReminderTool) Execute(_ context.Context, args map[string]any) (string, error) {
	task := stringArg(args, "task")
	when := stringArg(args, "time")
	if task == "" {
		return "", fmt.Errorf("reminder task is empty")
	}
	t.mu.Lock()
	t.reminders = append(t.reminders, Reminder{Task: task, Time: when, CreatedAt: t.now()})
	t.mu.Unlock()
	return fmt.Sprintf("Reminder set: %s (%s)", task, when), nil
}

func (t *ReminderTool) Reminders() []Reminder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Reminder, len(t.reminders))
	copy(out, t.reminders)
	return out
}

// SmartHomeTool acknowledges device toggles. There is no real home automation
// backend; the action is reported as done so the conversation is not blocked.
type SmartHomeTool struct{}

func (SmartHomeTool) Name() string { return NameToggleDevice }

func (SmartHomeTool) Declaration() upstream.ToolDecl {
	return upstream.ToolDecl{
		Name:        NameToggleDevice,
		Description: "Turns a smart home device on or off.",
		Params: []upstream.ParamDecl{
			{Name: "device", Description: "Device name, e.g. living room lights", Required: true},
			{Name: "action", Description: "Either on or off", Required: true},
		},
	}
}

func (SmartHomeTool) Execute(_ context.Context, args map[string]any) (string, error) {
	device := stringArg(args, "device")
	action := stringArg(args, "action")
	if device == "" || action == "" {
		return "", fmt.Errorf("device and action are required")
	}
	return fmt.Sprintf("Turned %s %s", device, action), nil
}

// MemoryTool writes facts through the long-term memory store.
type MemoryTool struct {
	Store   memory.Store
	OnSaved func()
}

func (t *MemoryTool) Name() string { return NameSaveMemory }

func (t *MemoryTool) Declaration() upstream.ToolDecl {
	return upstream.ToolDecl{
		Name:        NameSaveMemory,
		Description: "Saves a fact about the user to long-term memory for future sessions.",
		Params: []upstream.ParamDecl{
			{Name: "key", Description: "Short identifier for the fact, e.g. favorite_drink", Required: true},
			{Name: "value", Description: "The fact to remember", Required: true},
		},
	}
}

func (t *MemoryTool) Execute(_ context.Context, args map[string]any) (string, error) {
	key := stringArg(args, "key")
	value := stringArg(args, "value")
	if key == "" || value == "" {
		return "", fmt.Errorf("key and value are required")
	}
	if t.Store == nil {
		return "", fmt.Errorf("memory store is not configured")
	}
	if _, err := t.Store.Save(key, value); err != nil {
		return "", err
	}
	if t.OnSaved != nil {
		t.OnSaved()
	}
	return fmt.Sprintf("Remembered %s: %s", key, value), nil
}
