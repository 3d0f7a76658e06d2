package versions

import (
	"os"

	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// readFileForPut reads a whole file for an in-memory put, typing I/O errors.
func readFileForPut(fsPath string) ([]byte, error) {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading %s", fsPath)
	}
	return data, nil
}
