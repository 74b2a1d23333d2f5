package runner

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// apiPattern matches the API package the build leaves in the images
// directory.
const apiPattern = "mesa-*.tar.gz"

// APICountError reports that the API glob did not match exactly one file.
type APICountError struct {
	Matches []string
}

func (e *APICountError) Error() string {
	return fmt.Sprintf("Unexpected API count: %q", e.Matches)
}

// FindAPI returns the single API package matching pattern.
func FindAPI(pattern string) (string, error) {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("bad API glob %q: %w", pattern, err)
	}
	if len(matches) != 1 {
		return "", &APICountError{Matches: matches}
	}
	return matches[0], nil
}
