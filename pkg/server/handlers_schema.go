package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/promptgate/promptgate/pkg/config"
)

// schemaTargets maps resource names to the entity types the admin UI edits.
var schemaTargets = map[string]any{
	"apps":     &config.App{},
	"models":   &config.Model{},
	"tools":    &config.Tool{},
	"sources":  &config.Source{},
	"groups":   &config.Group{},
	"users":    &config.User{},
	"prompts":  &config.Prompt{},
	"platform": &config.Platform{},
}

// adminSchema serves the JSON Schema of an editable resource type so the
// admin UI can render its forms.
func (s *Server) adminSchema(w http.ResponseWriter, r *http.Request) {
	target, ok := schemaTargets[chi.URLParam(r, "resource")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	writeJSON(w, http.StatusOK, reflector.Reflect(target))
}
