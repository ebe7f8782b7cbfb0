package toolstest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
	"surfalign/pkg/formats"
	"surfalign/pkg/surface"
	"surfalign/pkg/tools"
)

// Toolkit is a tools.Runner that emulates the external programs by reading
// and writing the files they would. Registration is the identity: msm
// returns the moving sphere (or the seed transform) unchanged.
//
// Sulcal depth is emulated as the vertex z coordinate and mean curvature as
// the x coordinate so tests can predict feature columns.
type Toolkit struct {
	// Fail makes a tool exit with the given error, keyed by executable name
	// or by wb_command subcommand (e.g. "-metric-merge").
	Fail map[string]error

	// SkipOutputs makes a tool exit cleanly without writing anything.
	SkipOutputs map[string]bool

	mu    sync.Mutex
	calls []tools.Command
}

// NewToolkit returns an empty fake.
func NewToolkit() *Toolkit {
	return &Toolkit{Fail: map[string]error{}, SkipOutputs: map[string]bool{}}
}

// Calls returns a copy of every command received, in order.
func (k *Toolkit) Calls() []tools.Command {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]tools.Command(nil), k.calls...)
}

// Count returns how many commands were received for key, an executable
// name or wb_command subcommand.
func (k *Toolkit) Count(key string) int {
	n := 0
	for _, c := range k.Calls() {
		if c.Name == key || (len(c.Args) > 0 && c.Args[0] == key) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (k *Toolkit) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = nil
}

// Run implements tools.Runner.
func (k *Toolkit) Run(ctx context.Context, cmd tools.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	k.calls = append(k.calls, cmd)
	k.mu.Unlock()

	key := cmd.Name
	if cmd.Name == "wb_command" && len(cmd.Args) > 0 {
		key = cmd.Args[0]
	}
	if err, ok := k.Fail[key]; ok {
		return &tools.ToolError{Command: cmd, ExitCode: 1, Stderr: err.Error(), Err: err}
	}
	if k.SkipOutputs[key] {
		return nil
	}

	switch cmd.Name {
	case "wb_command":
		return k.workbench(cmd.Args)
	case "msm":
		return k.register(cmd.Args)
	case "msmresample":
		return k.resample(cmd.Args)
	case "mris_inflate":
		return k.inflate(cmd.Args)
	case "mris_curvature":
		return k.curvature(cmd.Args)
	}
	return fmt.Errorf("fake toolkit: unknown tool %q", cmd.Name)
}

func (k *Toolkit) workbench(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("wb_command: no subcommand")
	}
	switch args[0] {
	case "-surface-modify-sphere":
		return modifySphere(args[1], args[2], args[3], len(args) > 4 && args[4] == "-recenter")
	case "-surface-resample":
		return resampleSurface(args[1], args[2], args[3], args[5])
	case "-metric-resample", "-label-resample":
		intent := formats.IntentShape
		if args[0] == "-label-resample" {
			intent = formats.IntentLabel
		}
		return resampleMetric(args[1], args[2], args[3], args[5], intent)
	case "-metric-merge":
		return mergeMetrics(args[1], args[2:])
	case "-surface-vertex-areas":
		mesh, err := formats.ReadMesh(args[1])
		if err != nil {
			return err
		}
		return formats.WriteGiftiMetric(args[2], models.NewMetric(surface.VertexAreas(mesh), "area"), formats.IntentShape)
	}
	return fmt.Errorf("wb_command: unsupported subcommand %s", args[0])
}

func modifySphere(in, radius, out string, recenter bool) error {
	mesh, err := formats.ReadMesh(in)
	if err != nil {
		return err
	}
	var r float64
	if _, err := fmt.Sscanf(radius, "%g", &r); err != nil {
		return fmt.Errorf("bad radius %q: %w", radius, err)
	}
	var c r3.Vec
	if recenter {
		c = surface.Centroid(mesh)
	}
	for i, v := range mesh.Vertices {
		mesh.Vertices[i] = r3.Scale(r, r3.Unit(r3.Sub(v, c)))
	}
	return formats.WriteGiftiSurface(out, mesh)
}

func resampleSurface(in, current, next, out string) error {
	mesh, err := formats.ReadMesh(in)
	if err != nil {
		return err
	}
	idx, target, err := correspondence(current, next)
	if err != nil {
		return err
	}
	res := &models.Mesh{Faces: target.Faces, Vertices: make([]r3.Vec, len(idx))}
	for i, j := range idx {
		res.Vertices[i] = mesh.Vertices[j]
	}
	return formats.WriteGiftiSurface(out, res)
}

func resampleMetric(in, current, next, out, intent string) error {
	metric, err := formats.ReadGiftiMetric(in)
	if err != nil {
		return err
	}
	idx, _, err := correspondence(current, next)
	if err != nil {
		return err
	}
	return formats.WriteGiftiMetric(out, pick(metric, idx), intent)
}

// correspondence maps each vertex of the next sphere to its nearest vertex
// on the current one.
func correspondence(current, next string) ([]int, *models.Mesh, error) {
	cur, err := formats.ReadMesh(current)
	if err != nil {
		return nil, nil, err
	}
	nxt, err := formats.ReadMesh(next)
	if err != nil {
		return nil, nil, err
	}
	return surface.NearestMap(cur, nxt), nxt, nil
}

func pick(metric *models.Metric, idx []int) *models.Metric {
	out := &models.Metric{Names: metric.Names}
	for _, col := range metric.Columns {
		res := make([]float64, len(idx))
		for i, j := range idx {
			res[i] = col[j]
		}
		out.Columns = append(out.Columns, res)
	}
	return out
}

func mergeMetrics(out string, args []string) error {
	merged := &models.Metric{}
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] != "-metric" {
			return fmt.Errorf("metric merge: unexpected argument %s", args[i])
		}
		m, err := formats.ReadGiftiMetric(args[i+1])
		if err != nil {
			return err
		}
		if merged.ColumnCount() > 0 && m.VertexCount() != merged.VertexCount() {
			return fmt.Errorf("metric merge: %s has %d rows, expected %d", args[i+1], m.VertexCount(), merged.VertexCount())
		}
		merged.Columns = append(merged.Columns, m.Columns...)
		merged.Names = append(merged.Names, m.Names...)
	}
	return formats.WriteGiftiMetric(out, merged, formats.IntentShape)
}

func flagValues(args []string) map[string]string {
	out := map[string]string{}
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			continue
		}
		key, value, _ := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		out[key] = value
	}
	return out
}

func (k *Toolkit) register(args []string) error {
	f := flagValues(args)
	src := f["inmesh"]
	if f["trans"] != "" {
		src = f["trans"]
	}
	mesh, err := formats.ReadMesh(src)
	if err != nil {
		return err
	}
	data, err := formats.ReadGiftiMetric(f["indata"])
	if err != nil {
		return err
	}
	sphere, reprojected := tools.RegisterOutputs(f["out"])
	if err := formats.WriteGiftiSurface(sphere, mesh); err != nil {
		return err
	}
	return formats.WriteGiftiMetric(reprojected, data, formats.IntentShape)
}

func (k *Toolkit) resample(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("msmresample: missing arguments")
	}
	warped, prefix := args[0], args[1]
	var project, labels string
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "-project":
			i++
			project = args[i]
		case "-labels":
			i++
			labels = args[i]
		}
	}
	metric, err := formats.ReadGiftiMetric(labels)
	if err != nil {
		return err
	}
	idx, _, err := correspondence(warped, project)
	if err != nil {
		return err
	}
	return formats.WriteGiftiMetric(tools.ResampleOutput(prefix), pick(metric, idx), formats.IntentShape)
}

func (k *Toolkit) inflate(args []string) error {
	var a tools.InflateArgs
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-dist", "-n":
			i++
		case "-sulc":
			i++
			a.SulcSuffix = args[i]
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		return fmt.Errorf("mris_inflate: expected surface and output, got %v", positional)
	}
	a.Surface, a.Inflated = positional[0], positional[1]
	mesh, err := formats.ReadMesh(a.Surface)
	if err != nil {
		return err
	}
	if err := formats.WriteFreeSurferSurface(a.Inflated, mesh); err != nil {
		return err
	}
	z, _ := mesh.Axis(2)
	return formats.WriteMorph(a.SulcOutput(), z, mesh.FaceCount())
}

func (k *Toolkit) curvature(args []string) error {
	surf := args[len(args)-1]
	mesh, err := formats.ReadMesh(surf)
	if err != nil {
		return err
	}
	x, _ := mesh.Axis(0)
	return formats.WriteMorph(tools.CurvatureOutput(surf), x, mesh.FaceCount())
}
