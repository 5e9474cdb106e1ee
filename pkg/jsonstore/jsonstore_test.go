package jsonstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/promptgate/promptgate/pkg/protocol"
)

func TestFileLoadMissing(t *testing.T) {
	f := NewFile[map[string]int](filepath.Join(t.TempDir(), "missing.json"))
	data, err := f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("missing file must load as the zero value, got %v", data)
	}
}

func TestFileUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "counts.json")
	f := NewFile[map[string]int](path)

	err := f.Update(func(data map[string]int) (map[string]int, error) {
		if data == nil {
			data = make(map[string]int)
		}
		data["hits"] = 1
		return data, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = f.Update(func(data map[string]int) (map[string]int, error) {
		data["hits"]++
		return data, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if data["hits"] != 2 {
		t.Errorf("hits = %d", data["hits"])
	}

	// No temp file debris left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory contains %d entries, want just the data file", len(entries))
	}
}

func TestFileUpdateErrorLeavesFileUntouched(t *testing.T) {
	f := NewFile[map[string]int](filepath.Join(t.TempDir(), "data.json"))
	f.Update(func(data map[string]int) (map[string]int, error) {
		return map[string]int{"keep": 1}, nil
	})

	boom := errors.New("boom")
	if err := f.Update(func(data map[string]int) (map[string]int, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	data, _ := f.Load()
	if data["keep"] != 1 {
		t.Errorf("failed update must not alter the file: %v", data)
	}
}

func TestShortlinksLifecycle(t *testing.T) {
	s := NewShortlinks(t.TempDir())

	link, err := s.Create("chat", "alice", map[string]string{"topic": "golang"})
	if err != nil {
		t.Fatal(err)
	}
	if len(link.ID) != 8 {
		t.Errorf("id = %q, want 8 characters", link.ID)
	}

	got, err := s.Resolve(link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AppID != "chat" || got.Variables["topic"] != "golang" || got.CreatedBy != "alice" {
		t.Errorf("resolved = %+v", got)
	}

	if err := s.Delete(link.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(link.ID); err == nil {
		t.Error("deleted shortlink must not resolve")
	}
}

func TestUsageAccumulates(t *testing.T) {
	u := NewUsage(t.TempDir())

	u.Record("chat", "gpt", &protocol.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	u.Record("chat", "gpt", &protocol.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3})
	u.Record("chat", "claude", &protocol.Usage{TotalTokens: 7})
	u.Record("chat", "gpt", nil)

	data, err := u.Report()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 {
		t.Fatalf("days = %d, want 1", len(data))
	}
	for _, apps := range data {
		entry := apps["chat"]["gpt"]
		if entry.Requests != 2 || entry.PromptTokens != 12 || entry.TotalTokens != 18 {
			t.Errorf("gpt entry = %+v", entry)
		}
		if apps["chat"]["claude"].TotalTokens != 7 {
			t.Errorf("claude entry = %+v", apps["chat"]["claude"])
		}
	}
}
