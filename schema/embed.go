package schema

import _ "embed"

// JobV1Schema contains the JSON schema for job files.
//
//go:embed job.v1.json
var JobV1Schema []byte
