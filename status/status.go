// Package status serves a small web page showing where every axis of the
// stacker is, for a monitor next to the bench.
//
// Positions close to the end of an axis' range are tinted red, and axes
// that moved recently fade from green. The same data is available as JSON
// under /api/pos.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"stacker/message"
)

// PositionSource supplies stage positions. *client.Stacker implements it.
type PositionSource interface {
	// Pos returns posv per stage: "<axis>", "<axis>vel" and
	// "<axis>__timestamp" (unix seconds) values.
	Pos(ctx context.Context) (map[string]map[string]any, error)
	// Limits returns [min, max] per bounded axis, per stage.
	Limits(ctx context.Context) (map[string]map[string]any, error)
}

// Display ranges for axes without soft limits.
var defaultRanges = map[string]map[string][2]float64{
	"cam": {"z": {-12, -2}},
	"stmp": {
		"x": {-10, 10}, "y": {-10, 10}, "hz": {-10, 10}, "z": {-10, 10},
		"roll": {-8, 8}, "pitch": {-8, 8}, "yaw": {-8, 8},
	},
	"sam": {"x": {-25, 25}, "y": {-25, 25}},
}

// Velocity ranges for the velocity column colour scale.
var velocityRanges = map[string]float64{
	"cam.z": 10, "stmp.x": 5, "sam.x": 4, "sam.y": 4, "sam.phi": 10,
}

// Display order of stages and their axes; unknown axes follow sorted.
var (
	stageOrder = []string{"cam", "stmp", "sam"}
	axisOrder  = map[string][]string{
		"cam":  {"z"},
		"stmp": {"x", "y", "hz", "z", "roll", "pitch", "yaw"},
		"sam":  {"x", "y", "phi"},
	}
)

// Server renders the status page.
type Server struct {
	router  *mux.Router
	handler http.Handler
	source  PositionSource
	log     *zap.Logger

	now          func() time.Time
	recentChange time.Duration
	refresh      time.Duration
	timeout      time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides time.Now when computing change ages.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRecentChange sets how long a moved axis stays highlighted.
func WithRecentChange(d time.Duration) Option {
	return func(s *Server) { s.recentChange = d }
}

// WithRefresh sets the page auto-refresh interval; zero disables it.
func WithRefresh(d time.Duration) Option {
	return func(s *Server) { s.refresh = d }
}

// NewServer builds the router. allowedOrigins feeds the CORS policy for
// the JSON endpoints.
func NewServer(source PositionSource, log *zap.Logger, allowedOrigins []string, opts ...Option) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		source:       source,
		log:          log,
		now:          time.Now,
		recentChange: 10 * time.Second,
		refresh:      2 * time.Second,
		timeout:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pos", s.posHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Row is one axis line of the page.
type Row struct {
	Stage     string
	Axis      string
	Position  float64
	PosColor  string
	Velocity  float64
	HasVel    bool
	VelColor  string
	FirstAxis bool
}

type snapshot struct {
	pos    map[string]map[string]any
	limits map[string]map[string]any
}

func (s *Server) fetch(ctx context.Context) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pos, err := s.source.Pos(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	limits, err := s.source.Limits(ctx)
	if err != nil {
		return nil, fmt.Errorf("read limits: %w", err)
	}
	return &snapshot{pos: pos, limits: limits}, nil
}

// rows lays the snapshot out in display order.
func (s *Server) rows(snap *snapshot) []Row {
	now := s.now()
	var rows []Row
	for _, stage := range orderedStages(snap.pos) {
		values := snap.pos[stage]
		for i, axis := range orderedAxes(stage, values) {
			p, err := message.ToFloat(values[axis])
			if err != nil {
				continue
			}
			row := Row{Stage: stage, Axis: axis, Position: p, FirstAxis: i == 0}

			vmin, vmax, ok := s.axisRange(snap, stage, axis)
			r, g, b := 1.0, 1.0, 1.0
			if ok {
				r, g, b = dangerRed(p, vmin, vmax, 0.1, 0.55)
			}
			if ts, err := message.ToFloat(values[axis+"__timestamp"]); err == nil && ts > 0 {
				age := now.Sub(time.Unix(0, int64(ts*1e9)))
				r, g, b = fadeGreen(r, g, b, age, s.recentChange)
			}
			row.PosColor = rgbHTML(r, g, b)

			if v, err := message.ToFloat(values[axis+"vel"]); err == nil {
				row.Velocity, row.HasVel = v, true
				vmax := velocityRanges[stage+"."+axis]
				if vmax == 0 {
					vmax = 10
				}
				row.VelColor = rgbHTML(bluePurpleRed(v, 0, vmax, 0.1, 0.55))
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func (s *Server) axisRange(snap *snapshot, stage, axis string) (float64, float64, bool) {
	if l, ok := snap.limits[stage][axis].([]any); ok && len(l) == 2 {
		vmin, err1 := message.ToFloat(l[0])
		vmax, err2 := message.ToFloat(l[1])
		if err1 == nil && err2 == nil && vmax > vmin {
			return vmin, vmax, true
		}
	}
	if r, ok := defaultRanges[stage][axis]; ok {
		return r[0], r[1], true
	}
	return 0, 0, false
}

func orderedStages(pos map[string]map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	for _, st := range stageOrder {
		if _, ok := pos[st]; ok {
			out = append(out, st)
			seen[st] = true
		}
	}
	var rest []string
	for st := range pos {
		if !seen[st] {
			rest = append(rest, st)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func orderedAxes(stage string, values map[string]any) []string {
	isAxis := func(k string) bool {
		if strings.HasSuffix(k, "__timestamp") {
			return false
		}
		_, hasTS := values[k+"__timestamp"]
		return hasTS
	}
	var out []string
	seen := map[string]bool{}
	for _, a := range axisOrder[stage] {
		if isAxis(a) {
			out = append(out, a)
			seen[a] = true
		}
	}
	var rest []string
	for k := range values {
		if !seen[k] && isAxis(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// dangerRed runs white to faint red as value nears either end of the range.
func dangerRed(value, vmin, vmax, danger, saturation float64) (r, g, b float64) {
	r, g, b = 1, 1, 1
	extent := clamp((value-vmin)/(vmax-vmin), 0, 1)
	switch {
	case extent > 1-danger:
		e := (extent - (1 - danger)) / danger
		g, b = 1-e*saturation, 1-e*saturation
	case extent < danger:
		e := extent / danger
		g, b = 1-(1-e)*saturation, 1-(1-e)*saturation
	}
	return r, g, b
}

// bluePurpleRed runs white to blue to purple to red with increasing value.
func bluePurpleRed(value, vmin, vmax, danger, saturation float64) (r, g, b float64) {
	extent := clamp((value-vmin)/(vmax-vmin), 0, 1)
	if extent < danger {
		e := extent / danger
		return 1 - e*saturation, 1 - e*saturation, 1
	}
	e := (extent - danger) / (1 - danger)
	return e*saturation + (1 - saturation), 1 - saturation, 1 - e*saturation
}

// fadeGreen blends towards green for changes younger than window.
func fadeGreen(r, g, b float64, age, window time.Duration) (float64, float64, float64) {
	if window <= 0 || age < 0 || age >= window {
		return r, g, b
	}
	blend := float64(age) / float64(window)
	return r * blend, g*blend + (1 - blend), b * blend
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func rgbHTML(r, g, b float64) string {
	return fmt.Sprintf("#%02X%02X%02X", int(math.Round(r*255)), int(math.Round(g*255)), int(math.Round(b*255)))
}

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Stacker status</title>
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<style>
body { font-family: monospace; margin: 20px; }
td { padding: 2px 8px; }
tr.border_top td { border-top: 1px solid #999; }
.error { color: #B00; }
</style>
</head>
<body>
{{if .Error}}<p class="error">{{.Error}}</p>{{else}}
<table>
<tr><td></td><td></td><td align="center">pos</td><td align="center">vel</td></tr>
{{range .Rows}}<tr{{if .FirstAxis}} class="border_top"{{end}}>
<td style="font-weight: bold;">{{if .FirstAxis}}{{.Stage}}.{{end}}</td>
<td>{{.Axis}}</td>
<td align="right" bgcolor="{{.PosColor}}">{{printf "%.3f" .Position}}</td>
<td align="right"{{if .HasVel}} bgcolor="{{.VelColor}}"{{end}}>{{if .HasVel}}{{printf "%.3f" .Velocity}}{{end}}</td>
</tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Rows    []Row
		Error   string
		Refresh int
	}{Refresh: int(s.refresh.Seconds())}

	status := http.StatusOK
	snap, err := s.fetch(r.Context())
	if err != nil {
		s.log.Warn("status page", zap.Error(err))
		data.Error = err.Error()
		status = http.StatusBadGateway
	} else {
		data.Rows = s.rows(snap)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		s.log.Warn("render status page", zap.Error(err))
	}
}

func (s *Server) posHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.fetch(r.Context())
	if err != nil {
		s.log.Warn("api pos", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"time":   float64(s.now().UnixNano()) / 1e9,
		"pos":    snap.pos,
		"limits": snap.limits,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "stacker-http"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
