// Command schema regenerates schema.json from the Config struct.
// Run via go generate in the conf package.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/freqops/trainn/app/conf"
)

func main() {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&conf.Config{})
	schema.Title = "trainn configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't marshal schema: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schema.json", append(data, '\n'), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "can't write schema.json: %v\n", err)
		os.Exit(1)
	}
}
