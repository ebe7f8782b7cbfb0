package tools

import (
	"context"
	"fmt"
	"strconv"
)

const (
	registeredSphereSuffix = "sphere.reg.surf.gii"
	registeredDataSuffix   = "transformed_and_reprojected.func.gii"
)

// RegisterArgs are the inputs of one msm run.
type RegisterArgs struct {
	InMesh, InData, InWeight    string
	RefMesh, RefData, RefWeight string

	// Trans seeds the registration with a previous warped sphere
	Trans string

	// Config is an optional msm configuration file
	Config string

	// OutPrefix is prepended to every output file name
	OutPrefix string

	Levels int
}

// RegisterOutputs returns the warped sphere and resampled data paths msm
// writes for prefix.
func RegisterOutputs(prefix string) (sphere, data string) {
	return prefix + registeredSphereSuffix, prefix + registeredDataSuffix
}

// ResampleArgs are the inputs of one msmresample run.
type ResampleArgs struct {
	// Mesh is the warped sphere defining the transform
	Mesh string

	// OutPrefix names the output; msmresample appends .func.gii
	OutPrefix string

	// Project is the target sphere
	Project string

	// Labels is the per-vertex data file to carry through the warp
	Labels string

	AdapBary bool
}

// ResampleOutput returns the file msmresample writes for prefix.
func ResampleOutput(prefix string) string {
	return prefix + ".func.gii"
}

// MSM drives msm and msmresample.
type MSM struct {
	Runner         Runner
	Binary         string
	ResampleBinary string
}

// NewMSM returns a wrapper; empty names default to "msm" and "msmresample".
func NewMSM(r Runner, binary, resampleBinary string) *MSM {
	if binary == "" {
		binary = "msm"
	}
	if resampleBinary == "" {
		resampleBinary = "msmresample"
	}
	return &MSM{Runner: r, Binary: binary, ResampleBinary: resampleBinary}
}

// RegisterCommand builds the msm invocation for a.
func (m *MSM) RegisterCommand(a RegisterArgs) Command {
	args := []string{
		"--inmesh=" + a.InMesh,
		"--indata=" + a.InData,
		"--inweight=" + a.InWeight,
		"--refmesh=" + a.RefMesh,
		"--refdata=" + a.RefData,
		"--refweight=" + a.RefWeight,
	}
	if a.Trans != "" {
		args = append(args, "--trans="+a.Trans)
	}
	if a.Config != "" {
		args = append(args, "--conf="+a.Config)
	}
	args = append(args,
		"--out="+a.OutPrefix,
		"--levels="+strconv.Itoa(a.Levels),
		"--verbose=0",
	)
	return Command{Name: m.Binary, Args: args}
}

// Register runs msm and checks that both outputs were written.
func (m *MSM) Register(ctx context.Context, a RegisterArgs) (sphere, data string, err error) {
	if a.Levels <= 0 {
		return "", "", fmt.Errorf("msm levels must be positive, got %d", a.Levels)
	}
	cmd := m.RegisterCommand(a)
	if err := m.Runner.Run(ctx, cmd); err != nil {
		return "", "", fmt.Errorf("msm: %w", err)
	}
	sphere, data = RegisterOutputs(a.OutPrefix)
	if err := RequireOutputs(cmd, data, sphere); err != nil {
		return "", "", err
	}
	return sphere, data, nil
}

// Resample runs msmresample and returns the output path.
func (m *MSM) Resample(ctx context.Context, a ResampleArgs) (string, error) {
	args := []string{a.Mesh, a.OutPrefix, "-project", a.Project}
	if a.AdapBary {
		args = append(args, "-adap_bary")
	}
	if a.Labels != "" {
		args = append(args, "-labels", a.Labels)
	}
	cmd := Command{Name: m.ResampleBinary, Args: args}
	if err := m.Runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("msmresample: %w", err)
	}
	out := ResampleOutput(a.OutPrefix)
	if err := RequireOutputs(cmd, out); err != nil {
		return "", err
	}
	return out, nil
}
