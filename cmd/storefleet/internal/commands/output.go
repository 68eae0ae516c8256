package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"gopkg.in/yaml.v3"
)

// ErrWorkflowFailed is returned when a workflow finished with a failed step so
// the process exits non-zero after the step log was printed.
var ErrWorkflowFailed = errors.New("workflow failed")

type tenantView struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	BaseID    string   `yaml:"base_id"`
	ThemeID   string   `yaml:"theme_id,omitempty"`
	APIID     string   `yaml:"api_id"`
	Domains   []string `yaml:"domains,omitempty"`
	Tier      string   `yaml:"tier"`
	Replicas  uint64   `yaml:"replicas"`
	Active    bool     `yaml:"active"`
	Running   bool     `yaml:"running"`
	CreatedAt string   `yaml:"created_at,omitempty"`
	UpdatedAt string   `yaml:"updated_at,omitempty"`
}

func newTenantView(t *models.Tenant) *tenantView {
	if t == nil {
		return nil
	}
	v := &tenantView{
		ID:        t.ID.String(),
		Name:      t.Name,
		BaseID:    t.BaseID(),
		APIID:     t.APIID.String(),
		Domains:   t.Domains,
		Tier:      t.Tier,
		Replicas:  t.Replicas,
		Active:    t.IsActive,
		Running:   t.IsRunning,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
	if t.ThemeID != nil {
		v.ThemeID = t.ThemeID.String()
	}
	return v
}

type definitionView struct {
	ID           string `yaml:"id"`
	Kind         string `yaml:"kind"`
	Name         string `yaml:"name"`
	Image        string `yaml:"image"`
	InternalPort int    `yaml:"internal_port"`
	Active       bool   `yaml:"active"`
	Default      bool   `yaml:"default"`
}

func newDefinitionView(d *models.Definition) *definitionView {
	if d == nil {
		return nil
	}
	return &definitionView{
		ID:           d.ID.String(),
		Kind:         string(d.Kind),
		Name:         d.Name,
		Image:        d.Image,
		InternalPort: d.InternalPort,
		Active:       d.IsActive,
		Default:      d.IsDefault,
	}
}

type stepView struct {
	Name     string `yaml:"name"`
	OK       bool   `yaml:"ok"`
	Error    string `yaml:"error,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	Duration string `yaml:"duration,omitempty"`
}

type resultView struct {
	OK    bool       `yaml:"ok"`
	Value any        `yaml:"value,omitempty"`
	Steps []stepView `yaml:"steps"`
}

// printResult writes the outcome of a workflow as YAML. The value is rendered
// through view when the result carries one.
func printResult[T any](w io.Writer, res *result.Result[T], view func(T) any) error {
	out := resultView{OK: res.OK, Steps: make([]stepView, 0, len(res.Steps))}
	if view != nil {
		out.Value = view(res.Value)
	}

	for _, s := range res.Steps {
		sv := stepView{Name: s.Name, OK: !s.Failed()}
		if s.Duration > 0 {
			sv.Duration = s.Duration.Round(time.Millisecond).String()
		}
		if s.Err != nil {
			sv.Error = s.Err.Error()
			sv.Kind = result.KindOf(s.Err).String()
		}
		out.Steps = append(out.Steps, sv)
	}

	if err := printYAML(w, out); err != nil {
		return err
	}
	if !res.OK {
		return ErrWorkflowFailed
	}
	return nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
