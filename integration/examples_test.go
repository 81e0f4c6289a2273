//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("LCI_TEST_EXAMPLES") == "" {
		s.T().Skip("set LCI_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestPingPong() {
	s.runExample("examples/pingpong", []string{"LCI_EXAMPLE_ITERATIONS=20", "LCI_EXAMPLE_BACKEND=" + defaultExampleBackend()})
}

func (s *ExampleSuite) TestPingPongRendezvous() {
	s.runExample("examples/pingpong", []string{"LCI_EXAMPLE_ITERATIONS=5", "LCI_EXAMPLE_SIZE=65536"})
}

func (s *ExampleSuite) TestRendezvous() {
	s.runExample("examples/rendezvous", nil)
}

func (s *ExampleSuite) TestPutBasic() {
	s.runExample("examples/put_basic", nil)
}

func (s *ExampleSuite) runExample(relPath string, extraEnv []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./"+relPath)
	env := append(os.Environ(), extraEnv...)
	cmd.Env = env
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func defaultExampleBackend() string {
	if backend := os.Getenv("LCI_INTEGRATION_BACKEND"); backend != "" {
		return backend
	}
	return "hash"
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
