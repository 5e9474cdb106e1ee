package jsonstore

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/promptgate/promptgate/pkg/protocol"
)

// UsageEntry accumulates token counts for one (day, app, model) cell.
type UsageEntry struct {
	Requests         int `json:"requests"`
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// UsageData is keyed day -> app -> model.
type UsageData map[string]map[string]map[string]*UsageEntry

// Usage manages data/usage.json. Record is fire-and-forget: accounting
// must never slow a conversation down.
type Usage struct {
	file *File[UsageData]
}

func NewUsage(dataDir string) *Usage {
	return &Usage{file: NewFile[UsageData](filepath.Join(dataDir, "usage.json"))}
}

func (u *Usage) Record(appID, modelID string, usage *protocol.Usage) {
	if usage == nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	err := u.file.Update(func(data UsageData) (UsageData, error) {
		if data == nil {
			data = make(UsageData)
		}
		if data[day] == nil {
			data[day] = make(map[string]map[string]*UsageEntry)
		}
		if data[day][appID] == nil {
			data[day][appID] = make(map[string]*UsageEntry)
		}
		entry := data[day][appID][modelID]
		if entry == nil {
			entry = &UsageEntry{}
			data[day][appID][modelID] = entry
		}
		entry.Requests++
		entry.PromptTokens += usage.PromptTokens
		entry.CompletionTokens += usage.CompletionTokens
		entry.TotalTokens += usage.TotalTokens
		return data, nil
	})
	if err != nil {
		slog.Error("usage accounting failed", "app", appID, "model", modelID, "error", err)
	}
}

// Report returns the raw usage table for the admin API.
func (u *Usage) Report() (UsageData, error) {
	return u.file.Load()
}
