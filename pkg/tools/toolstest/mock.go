// Package toolstest provides Runner doubles for tests: a testify mock for
// asserting exact invocations and a fake toolkit that reproduces the file
// effects of wb_command, msm and the FreeSurfer tools in-process.
package toolstest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"surfalign/pkg/tools"
)

// MockRunner implements tools.Runner for testing
type MockRunner struct {
	mock.Mock
}

// Run records the call and returns the configured error.
func (m *MockRunner) Run(ctx context.Context, cmd tools.Command) error {
	args := m.Called(cmd)
	return args.Error(0)
}

// Named matches any command invoking the given executable.
func Named(name string) any {
	return mock.MatchedBy(func(cmd tools.Command) bool { return cmd.Name == name })
}
