// Package schemasassets provides embedded schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library work
// regardless of the working directory or installation location.
package schemasassets

import "embed"

// ConnectorJobSchema is the embedded JSON schema of the connector job config.
//
//go:embed connector-job.schema.json
var ConnectorJobSchema []byte

// FHIR holds the FHIR node schemas, one YAML file per schema type, under fhir/.
//
//go:embed fhir/*.yaml
var FHIR embed.FS

// FHIRDir is the directory of the node schemas inside FHIR.
const FHIRDir = "fhir"
