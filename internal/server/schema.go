package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dyocense/kernel/internal/kernel/run"
)

//go:embed submit_schema.json
var submitSchemaJSON string

var submitSchema = jsonschema.MustCompileString("submit_schema.json", submitSchemaJSON)

// decodeSubmit checks the raw body against the embedded schema before
// decoding it strictly. Byte-exact and tier-relative limits stay with
// admission; the schema rejects malformed shapes early with a pointer to the
// offending location.
func decodeSubmit(body []byte) (run.SubmitRequest, error) {
	var req run.SubmitRequest
	var loose any
	if err := json.Unmarshal(body, &loose); err != nil {
		return req, run.Errf(run.KindValidation, "body is not valid JSON: %v", err)
	}
	if err := submitSchema.Validate(loose); err != nil {
		return req, run.WrapErr(run.KindValidation, schemaDetail(err), err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, run.Errf(run.KindValidation, "decode submit request: %v", err)
	}
	return req, nil
}

// schemaDetail walks to the deepest cause so the message names the field
// instead of the schema root.
func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("submit request invalid at %s: %s", loc, leaf.Message)
}
