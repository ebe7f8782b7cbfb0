package tools

// Binaries names the executables of each tool; empty fields use the stock
// names.
type Binaries struct {
	Workbench   string `yaml:"workbench"`
	MSM         string `yaml:"msm"`
	MSMResample string `yaml:"msmResample"`
	Inflate     string `yaml:"mrisInflate"`
	Curvature   string `yaml:"mrisCurvature"`
}

// Toolset bundles the wrappers that share one Runner.
type Toolset struct {
	Workbench  *Workbench
	MSM        *MSM
	FreeSurfer *FreeSurfer
}

// NewToolset builds every wrapper on r.
func NewToolset(r Runner, b Binaries) *Toolset {
	return &Toolset{
		Workbench:  NewWorkbench(r, b.Workbench),
		MSM:        NewMSM(r, b.MSM, b.MSMResample),
		FreeSurfer: NewFreeSurfer(r, b.Inflate, b.Curvature),
	}
}
