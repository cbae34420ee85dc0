package registry

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/storage"
)

const (
	manifestFile    = "MANIFEST.json"
	environmentFile = "environment.json"
)

// Manifest identifies the code a predictor was built with.
type Manifest struct {
	Module   string   `json:"module"`
	Version  string   `json:"version"`
	Revision string   `json:"vcs_revision,omitempty"`
	Time     string   `json:"vcs_time,omitempty"`
	Modified bool     `json:"vcs_modified,omitempty"`
	Packages []string `json:"packages"`
}

// Environment pins the toolchain and dependencies of a predictor.
type Environment struct {
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Arch         string            `json:"arch"`
	Dependencies map[string]string `json:"dependencies"`
}

func errNoArtifacts(runID string) error {
	return fmt.Errorf("run %s has no logged artifacts", runID)
}

// ArtifactURI returns the artifact directory of a run under root.
func ArtifactURI(root, experimentID, runID string) string {
	return storage.Join(root, experimentID, runID, "artifacts")
}

// LogModel writes the predictor, its model file, the code manifest and the
// environment manifest of a run, and records the artifact URI. When the
// artifact store rejects the write, the artifacts go to the local fallback
// directory instead.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to attach the artifacts to.
//   - p: predictor to log.
// Returns:
//   - string: artifact URI of the run.
//   - error: non-nil if neither the store nor the fallback accepted the write.
func (r *Registry) LogModel(ctx context.Context, runID string, p predictor.Predictor) (string, error) {
	run, err := r.runs.GetByID(ctx, runID)
	if err != nil {
		return "", domain.Permanent("log model", err)
	}

	uri := ArtifactURI(r.cfg.ArtifactRoot, run.ExperimentID, run.ID)
	if err := r.writeArtifacts(ctx, uri, p); err != nil {
		if r.cfg.LocalFallbackDir == "" || ctx.Err() != nil {
			return "", err
		}
		logger.FromContext(ctx).WithError(err).Warnf("Artifact store rejected %s, saving locally", uri)
		uri = ArtifactURI(r.cfg.LocalFallbackDir, run.ExperimentID, run.ID)
		if err := r.writeArtifacts(ctx, uri, p); err != nil {
			return "", err
		}
	}

	run.ArtifactURI = uri
	if err := r.runs.Update(ctx, run); err != nil {
		return "", domain.Transient("log model", err)
	}
	return uri, nil
}

func (r *Registry) writeArtifacts(ctx context.Context, uri string, p predictor.Predictor) error {
	dir := storage.Join(uri, PredictorDir)
	if err := predictor.Save(ctx, r.gw, p, dir); err != nil {
		return err
	}
	manifest, env := buildManifests(p)
	if err := r.writeJSON(ctx, storage.Join(dir, "code", manifestFile), manifest); err != nil {
		return err
	}
	return r.writeJSON(ctx, storage.Join(dir, environmentFile), env)
}

func (r *Registry) writeJSON(ctx context.Context, p string, v interface{}) error {
	return r.gw.WriteFile(ctx, p, func(w io.Writer) error {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return domain.Permanent("encode "+storage.Base(p), err)
		}
		_, err = w.Write(append(b, '\n'))
		return err
	})
}

// ReadManifest reads the code manifest logged under uri.
func (r *Registry) ReadManifest(ctx context.Context, uri string) (*Manifest, error) {
	rc, err := r.gw.Open(ctx, storage.Join(uri, PredictorDir, "code", manifestFile))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, domain.Corrupt("read manifest", err)
	}
	return &m, nil
}

func buildManifests(p predictor.Predictor) (Manifest, Environment) {
	m := Manifest{Version: "(devel)", Packages: codePackages(p)}
	env := Environment{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Dependencies: map[string]string{},
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return m, env
	}
	m.Module = info.Main.Path
	if info.Main.Version != "" {
		m.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			m.Revision = s.Value
		case "vcs.time":
			m.Time = s.Value
		case "vcs.modified":
			m.Modified = s.Value == "true"
		}
	}
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		env.Dependencies[dep.Path] = dep.Version
	}
	return m, env
}

// codePackages lists the packages the predictor and its model live in.
func codePackages(p predictor.Predictor) []string {
	pkgs := map[string]bool{}
	seen := map[reflect.Type]bool{}
	var visit func(t reflect.Type)
	visit = func(t reflect.Type) {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if seen[t] || !strings.Contains(t.PkgPath(), "/internal/") {
			return
		}
		seen[t] = true
		pkgs[t.PkgPath()] = true
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			visit(t.Field(i).Type)
		}
	}
	visit(reflect.TypeOf(p))
	out := make([]string, 0, len(pkgs))
	for pkg := range pkgs {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}
