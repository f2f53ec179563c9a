package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/stationhq/beacon/pkg/httputil"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/storage"
)

// pluginView is the wire shape for one loaded plugin.
type pluginView struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Version   string   `json:"version"`
	State     string   `json:"state"`
	LastError string   `json:"last_error,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func viewOf(inst *plugins.Instance, withErrors bool) pluginView {
	view := pluginView{
		Name:    inst.Name(),
		Kind:    string(inst.Kind()),
		Version: inst.Descriptor().Version,
		State:   string(inst.State()),
	}
	if err := inst.LastError(); err != nil {
		view.LastError = err.Error()
	}
	if withErrors {
		view.Errors = inst.Errors()
	}
	return view
}

// listPlugins handles GET /api/v1/plugins
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	instances := s.manager.List()
	views := make([]pluginView, len(instances))
	for i, inst := range instances {
		views[i] = viewOf(inst, false)
	}
	httputil.WriteSuccess(w, views)
}

// getPlugin handles GET /api/v1/plugins/{name}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	name := httputil.GetPathVars(r)["name"]
	inst, ok := s.manager.Get(name)
	if !ok {
		httputil.WriteNotFoundError(w, "plugin not found: "+name)
		return
	}
	httputil.WriteSuccess(w, viewOf(inst, true))
}

// enablePlugin handles POST /api/v1/plugins/{name}/enable
func (s *Server) enablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, true)
}

// disablePlugin handles POST /api/v1/plugins/{name}/disable
func (s *Server) disablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, false)
}

func (s *Server) setPluginEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := httputil.GetPathVars(r)["name"]

	var err error
	if enabled {
		err = s.manager.Enable(name)
	} else {
		err = s.manager.Disable(name)
	}
	switch {
	case errors.Is(err, plugins.ErrNotFound):
		httputil.WriteNotFoundError(w, "plugin not found: "+name)
		return
	case err != nil:
		httputil.WriteInternalError(w, err)
		return
	}

	// Persist the choice so a restart keeps it.
	record, recErr := s.store.GetPluginConfig(r.Context(), name)
	if errors.Is(recErr, storage.ErrNotFound) {
		record = &storage.PluginConfigRecord{Name: name}
	} else if recErr != nil {
		httputil.WriteInternalError(w, recErr)
		return
	}
	record.Enabled = enabled
	record.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePluginConfig(r.Context(), record); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	inst, _ := s.manager.Get(name)
	httputil.WriteSuccess(w, viewOf(inst, false))
}
