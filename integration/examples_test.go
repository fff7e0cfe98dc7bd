//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const exampleTimeout = 90 * time.Second

// ExampleSuite builds and runs the programs under examples/ as a user would.
type ExampleSuite struct {
	suite.Suite
	moduleDir string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("GACOMM_TEST_EXAMPLES") == "" {
		s.T().Skip("set GACOMM_TEST_EXAMPLES=1 to run the example programs")
	}
	dir, err := findModuleDir()
	s.Require().NoError(err)
	s.moduleDir = dir
}

func (s *ExampleSuite) TestSegbufPipeline() {
	out := s.run("segbuf_pipeline", nil, "--ranks", "3", "--segments", "4", "--count", "64")
	s.Regexp(regexp.MustCompile(`streamed 64 segments to 2 ranks`), out)
}

func (s *ExampleSuite) TestSegbufPipelineFromConfigFile() {
	cfgPath := filepath.Join(s.T().TempDir(), "gacomm.yaml")
	s.Require().NoError(os.WriteFile(cfgPath, []byte("ranks: 4\nlog_level: warn\nqueues:\n  segment: 2\n"), 0o600))

	out := s.run("segbuf_pipeline", nil, "--config", cfgPath, "--count", "16")
	s.Regexp(regexp.MustCompile(`streamed 16 segments to 3 ranks`), out)
}

func (s *ExampleSuite) TestChannelPingPong() {
	// 3000 bytes spans several ring slots at the default payload capacity.
	out := s.run("channel_pingpong", []string{"GACOMM_CHANNEL_SEND_WINDOW=2"}, "--iterations", "200", "--size", "3000")
	s.Regexp(regexp.MustCompile(`200 round trips of 3000 bytes`), out)
}

func (s *ExampleSuite) run(name string, env []string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), exampleTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "./examples/" + name}, args...)...)
	cmd.Dir = s.moduleDir
	cmd.Env = append(append(os.Environ(), "GACOMM_LOG_LEVEL=warn"), env...)

	out, err := cmd.CombinedOutput()
	require.NoErrorf(s.T(), ctx.Err(), "%s did not finish within %s:\n%s", name, exampleTimeout, out)
	require.NoErrorf(s.T(), err, "%s failed:\n%s", name, out)
	return string(out)
}

func findModuleDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod above %s", dir)
		}
		dir = parent
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
