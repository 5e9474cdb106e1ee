package jsonstore

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Shortlink is a shareable pointer to an app, optionally pre-filling
// variables.
type Shortlink struct {
	ID        string            `json:"id"`
	AppID     string            `json:"appId"`
	Variables map[string]string `json:"variables,omitempty"`
	CreatedBy string            `json:"createdBy,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Shortlinks manages data/shortlinks.json.
type Shortlinks struct {
	file *File[map[string]*Shortlink]
}

func NewShortlinks(dataDir string) *Shortlinks {
	return &Shortlinks{file: NewFile[map[string]*Shortlink](filepath.Join(dataDir, "shortlinks.json"))}
}

// Create mints a new shortlink id and persists it.
func (s *Shortlinks) Create(appID, createdBy string, variables map[string]string) (*Shortlink, error) {
	link := &Shortlink{
		ID:        uuid.NewString()[:8],
		AppID:     appID,
		Variables: variables,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	err := s.file.Update(func(links map[string]*Shortlink) (map[string]*Shortlink, error) {
		if links == nil {
			links = make(map[string]*Shortlink)
		}
		links[link.ID] = link
		return links, nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Resolve looks a shortlink up by id.
func (s *Shortlinks) Resolve(id string) (*Shortlink, error) {
	links, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	link, ok := links[id]
	if !ok {
		return nil, fmt.Errorf("shortlink %s not found", id)
	}
	return link, nil
}

// Delete removes a shortlink. Missing ids are not an error.
func (s *Shortlinks) Delete(id string) error {
	return s.file.Update(func(links map[string]*Shortlink) (map[string]*Shortlink, error) {
		delete(links, id)
		return links, nil
	})
}
