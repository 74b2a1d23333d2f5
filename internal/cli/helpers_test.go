package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/backcompat/internal/logging"
	"github.com/roach88/backcompat/internal/runner"
)

// testEnv is a scratch working area with its own config file.
type testEnv struct {
	dir    string
	images string
	root   *RootOptions
}

func newTestEnv(t *testing.T, format string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(images, 0755))

	configPath := filepath.Join(dir, "backcompat.yaml")
	config := "images_dir: " + images + "\nworkspace_dir: " + filepath.Join(dir, "ws") + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0644))

	return &testEnv{
		dir:    dir,
		images: images,
		root: &RootOptions{
			Format:     format,
			ConfigPath: configPath,
			Logger:     logging.Discard(),
		},
	}
}

// addAPI drops an API package into the images directory.
func (e *testEnv) addAPI(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.images, name), []byte("api"), 0644))
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs cmd with args and returns stdout, stderr and the error.
func execute(cmd *cobra.Command, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

// decodeData re-decodes the data payload of a JSON response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// fakeChecker writes a status file with the given status into the -o
// directory, or nothing when status is empty.
type fakeChecker struct {
	status string
	calls  int
}

func (f *fakeChecker) Execute(_ context.Context, _ string, args []string) (runner.Output, error) {
	f.calls++
	var outDir string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-o" {
			outDir = args[i+1]
		}
	}
	if f.status == "" {
		return runner.Output{Stderr: []byte("make: *** [all] Error 2"), ExitCode: 2}, nil
	}
	body := `{"name": "checker", "status": "` + f.status + `"}`
	if err := os.WriteFile(filepath.Join(outDir, "status.json"), []byte(body), 0644); err != nil {
		return runner.Output{}, err
	}
	return runner.Output{Stdout: []byte("built")}, nil
}
