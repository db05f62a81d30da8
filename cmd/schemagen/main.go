// Command schemagen emits the JSON schema of the wire protocol, one
// definition per packet variant, for client implementations in other
// languages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"stonefall/engine/internal/netpkt"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "output path for the JSON schema")
	flag.Parse()

	if outPath == "" {
		log.Fatal("schemagen: missing -out path")
	}

	schema, err := buildSchema()
	if err != nil {
		log.Fatalf("schemagen: %v", err)
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("schemagen: marshal schema: %v", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		log.Fatalf("schemagen: create output dir: %v", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		log.Fatalf("schemagen: write schema: %v", err)
	}
}

func buildSchema() (map[string]*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}

	variants := map[string]any{
		netpkt.TypeClientCreated:     netpkt.ClientCreated{},
		netpkt.TypeUpdateEntityMap:   netpkt.UpdateEntityMap{},
		netpkt.TypeCreateEntity:      netpkt.CreateEntity{},
		netpkt.TypeDestroyEntity:     netpkt.DestroyEntity{},
		netpkt.TypeTransientSnapshot: netpkt.TransientSnapshot{},
		netpkt.TypeGeneralSnapshot:   netpkt.GeneralSnapshot{},
		netpkt.TypeEntityRequest:     netpkt.EntityRequest{},
		netpkt.TypeEntityResponse:    netpkt.EntityResponse{},
		netpkt.TypeSetPlayoutDelay:   netpkt.SetPlayoutDelay{},
		netpkt.TypeTimeRequest:       netpkt.TimeRequest{},
		netpkt.TypeTimeResponse:      netpkt.TimeResponse{},
	}

	out := make(map[string]*jsonschema.Schema, len(variants))
	for name, value := range variants {
		schema := reflector.ReflectFromType(reflect.TypeOf(value))
		if schema == nil {
			return nil, fmt.Errorf("failed to reflect %s", name)
		}
		schema.Version = ""
		schema.Title = name
		out[name] = schema
	}
	return out, nil
}
