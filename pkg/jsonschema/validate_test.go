// SPDX-License-Identifier: Apache-2.0

package jsonschema_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/tapstream/targetpg/pkg/jsonschema"
)

const testDataDir = "./testdata"

// TestValidateGoldenFixtures runs every txtar fixture under testdata/ through
// CompileValidator/Validate. Each fixture holds a stream schema, a record,
// and whether the record is expected to validate against it.
func TestValidateGoldenFixtures(t *testing.T) {
	t.Parallel()

	files, err := os.ReadDir(testDataDir)
	require.NoError(t, err)

	for _, file := range files {
		t.Run(file.Name(), func(t *testing.T) {
			ac, err := txtar.ParseFile(filepath.Join(testDataDir, file.Name()))
			require.NoError(t, err)
			require.Len(t, ac.Files, 3)

			var schema jsonschema.Schema
			require.NoError(t, json.Unmarshal(ac.Files[0].Data, &schema))

			var record map[string]any
			require.NoError(t, json.Unmarshal(ac.Files[1].Data, &record))

			wantValid, err := strconv.ParseBool(strings.TrimSpace(string(ac.Files[2].Data)))
			require.NoError(t, err)

			validator, err := jsonschema.CompileValidator(jsonschema.Simplify(schema, schema))
			require.NoError(t, err)

			err = validator.Validate(record)
			if wantValid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
