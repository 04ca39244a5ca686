package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cluster"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/globaltime"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/refresh"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/rollup"
)

const (
	defaultRollupLimit = 500
	maxRollupLimit     = 50_000
)

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "adobservatory",
		"time":    globaltime.UTC(),
		"state":   s.refresher.State().String(),
	}
	if gen := s.refresher.Current(); gen != nil {
		data["generation_id"] = gen.ID.String()
	}
	return success(c, data)
}

func (s *Server) handleRefreshStatus(c echo.Context) error {
	status := refreshStatus{State: s.refresher.State().String()}
	if gen := s.refresher.Current(); gen != nil {
		status.Generation = newGenerationView(gen)
	}
	if run, ok := s.refresher.LastRun(); ok {
		view := newRunView(run)
		status.LastRun = &view
	}
	return success(c, status)
}

func (s *Server) handleRefreshTrigger(ctx context.Context, c echo.Context) error {
	if s.refresher.State() == refresh.StateRefreshing {
		return failConflict(c, refresh.ErrRefreshInProgress.Error())
	}

	go func() {
		run, err := s.refresher.Refresh(ctx)
		switch {
		case errors.Is(err, refresh.ErrRefreshInProgress):
			s.logger.Info().Msg("manual refresh skipped; another refresh is running")
		case err != nil:
			s.logger.Warn().Err(err).Str("run_uuid", run.ID.String()).Msg("manual refresh failed")
		}
	}()

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"state": refresh.StateRefreshing.String(),
	})
}

func (s *Server) handleCluster(c echo.Context) error {
	id, err := parseID(c.Param("cluster_id"))
	if err != nil {
		return failValidation(c, map[string]string{"cluster_id": err.Error()})
	}
	gen := s.refresher.Current()
	if gen == nil {
		return unavailable(c)
	}
	found, ok := gen.Clusters.ByID(id)
	if !ok {
		return failNotFound(c, cluster.ErrClusterNotFound.Error())
	}
	return success(c, map[string]any{
		"generation_id": gen.ID.String(),
		"cluster":       newClusterView(found),
	})
}

func (s *Server) handleAdCluster(c echo.Context) error {
	id, err := parseID(c.Param("archive_id"))
	if err != nil {
		return failValidation(c, map[string]string{"archive_id": err.Error()})
	}
	gen := s.refresher.Current()
	if gen == nil {
		return unavailable(c)
	}
	found, ok := gen.Clusters.ClusterOf(adlib.ArchiveID(id))
	if !ok {
		return failNotFound(c, "ad not found in the published generation")
	}
	return success(c, map[string]any{
		"generation_id": gen.ID.String(),
		"cluster":       newClusterView(found),
	})
}

func (s *Server) handleRollupSpecs(c echo.Context) error {
	gen := s.refresher.Current()
	if gen == nil {
		return unavailable(c)
	}
	items := make([]specView, 0, len(gen.Rollups.Names()))
	for _, name := range gen.Rollups.Names() {
		table, _ := gen.Rollups.Table(name)
		items = append(items, newSpecView(table))
	}
	return success(c, map[string]any{
		"generation_id": gen.ID.String(),
		"items":         items,
	})
}

// handleRollupRows serves one spec's rows. key selects one row by its exact
// row key; every other query parameter except limit names a dimension of the
// spec and pins it to one value key.
func (s *Server) handleRollupRows(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultRollupLimit, 1, maxRollupLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	gen := s.refresher.Current()
	if gen == nil {
		return unavailable(c)
	}
	name := strings.TrimSpace(c.Param("spec"))
	table, ok := gen.Rollups.Table(name)
	if !ok {
		return failNotFound(c, rollup.ErrSpecNotFound.Error())
	}

	params := c.QueryParams()
	filter, fieldErrors := dimensionFilter(table.Spec, params)
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	var rows []rollup.Row
	if _, byKey := params["key"]; byKey {
		if len(filter) > 0 {
			return failValidation(c, map[string]string{"key": "cannot be combined with dimension filters"})
		}
		row, ok := table.Lookup(params.Get("key"))
		if !ok {
			return failNotFound(c, "rollup row not found")
		}
		rows = []rollup.Row{row}
	} else {
		rows = table.Match(filter)
	}
	total := len(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	items := make([]rowView, 0, len(rows))
	for _, row := range rows {
		items = append(items, newRowView(row))
	}

	filters := make(map[string]string, len(filter))
	for d, v := range filter {
		filters[string(d)] = v
	}
	return success(c, map[string]any{
		"generation_id": gen.ID.String(),
		"spec":          newSpecView(table),
		"items":         items,
		"total_items":   total,
		"limit":         limit,
		"filters":       filters,
	})
}

func dimensionFilter(spec rollup.Spec, params map[string][]string) (map[rollup.Dimension]string, map[string]string) {
	filter := make(map[rollup.Dimension]string)
	fieldErrors := make(map[string]string)
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "limit" || name == "key" {
			continue
		}
		d, err := rollup.ParseDimension(name)
		if err != nil {
			fieldErrors[name] = "unknown dimension"
			continue
		}
		if !spec.Has(d) {
			fieldErrors[name] = "not a dimension of " + spec.Name
			continue
		}
		values := params[name]
		if len(values) != 1 || strings.TrimSpace(values[0]) == "" {
			fieldErrors[name] = "must be given exactly once with a value"
			continue
		}
		filter[d] = strings.TrimSpace(values[0])
	}
	return filter, fieldErrors
}

type refreshStatus struct {
	State      string          `json:"state"`
	Generation *generationView `json:"generation,omitempty"`
	LastRun    *runView        `json:"last_run,omitempty"`
}

type generationView struct {
	GenerationID string    `json:"generation_id"`
	RunUUID      string    `json:"run_uuid"`
	BuiltAt      time.Time `json:"built_at"`
	PublishedAt  time.Time `json:"published_at"`
	Clusters     int       `json:"clusters"`
	RollupRows   int       `json:"rollup_rows"`
}

func newGenerationView(gen *refresh.Generation) *generationView {
	view := &generationView{
		GenerationID: gen.ID.String(),
		RunUUID:      gen.RunID.String(),
		BuiltAt:      gen.BuiltAt,
		PublishedAt:  gen.PublishedAt,
		RollupRows:   gen.Rollups.RowCount(),
	}
	if gen.Clusters != nil {
		view.Clusters = len(gen.Clusters.Clusters)
	}
	return view
}

type runView struct {
	RunUUID     string     `json:"run_uuid"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	FailedStage string     `json:"failed_stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	Ads         int        `json:"ads"`
	Creatives   int        `json:"creatives"`
	Clusters    int        `json:"clusters"`
	RollupRows  int        `json:"rollup_rows"`
}

func newRunView(run refresh.Run) runView {
	view := runView{
		RunUUID:     run.ID.String(),
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		FailedStage: string(run.FailedStage),
		Error:       run.Error,
		Ads:         run.Counters.Ads,
		Creatives:   run.Counters.Creatives,
		Clusters:    run.Counters.Clusters,
		RollupRows:  run.Counters.RollupRows,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		view.FinishedAt = &finished
	}
	return view
}
