package ldap

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "mem://ldapwrap/schemas/"

// Messages carried by validation errors.
const (
	typeErrorMessage   = "expected string arguments"
	invalidJSONMessage = "invalid modify change"
	controlPropError   = "invalid request control"
	entryObjectError   = "invalid entry attribute"
)

var (
	changeSchema     = mustCompileSchema("change.json")
	updateAttrSchema = mustCompileSchema("update_attr.json")
	controlSchema    = mustCompileSchema("control.json")
	addEntrySchema   = mustCompileSchema("add_entry.json")
)

func mustCompileSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("missing embedded schema %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("invalid embedded schema %s: %v", name, err))
	}

	return compiler.MustCompile(schemaBaseURL + name)
}

// ValidateStrings checks that every argument is a string.
func ValidateStrings(args ...any) error {
	return validateStrings("", args...)
}

func validateStrings(operation string, args ...any) error {
	for i, arg := range args {
		if _, ok := arg.(string); !ok {
			return &ValidationError{
				Operation:    operation,
				Message:      fmt.Sprintf("%s: argument %d is %T", typeErrorMessage, i, arg),
				TypeMismatch: true,
			}
		}
	}
	return nil
}

// CheckModifyChange validates one change or a list of changes and returns
// the changes to send to the engine. Each update change is replaced by a
// delete of its old values followed by an add of its new values.
func CheckModifyChange(changes any) ([]Change, error) {
	items, err := normalizeList("modify", changes)
	if err != nil {
		return nil, err
	}

	result := make([]Change, 0, len(items))
	for i, item := range items {
		if err := validateDocument("modify", invalidJSONMessage, changeSchema, fmt.Sprintf("/%d", i), item); err != nil {
			return nil, err
		}

		doc := item.(map[string]any)
		op := ChangeOp(doc["op"].(string))
		attr := doc["attr"].(string)
		vals := doc["vals"].([]any)

		if op != ChangeUpdate {
			result = append(result, Change{Op: op, Attr: attr, Vals: stringList(vals)})
			continue
		}

		deleteVals := make([]string, 0, len(vals))
		addVals := make([]string, 0, len(vals))
		for j, val := range vals {
			if err := validateDocument("modify", invalidJSONMessage, updateAttrSchema, fmt.Sprintf("/%d/vals/%d", i, j), val); err != nil {
				return nil, err
			}
			pair := val.(map[string]any)
			deleteVals = append(deleteVals, pair["oldVal"].(string))
			addVals = append(addVals, pair["newVal"].(string))
		}

		result = append(result,
			Change{Op: ChangeDelete, Attr: attr, Vals: deleteVals},
			Change{Op: ChangeAdd, Attr: attr, Vals: addVals},
		)
	}

	return result, nil
}

// CheckControl validates one control or a list of controls. A nil input
// means no controls and yields nil.
func CheckControl(controls any) ([]Control, error) {
	if controls == nil {
		return nil, nil
	}

	items, err := normalizeList("control", controls)
	if err != nil {
		return nil, err
	}
	if len(items) == 1 && items[0] == nil {
		return nil, nil
	}

	result := make([]Control, 0, len(items))
	for i, item := range items {
		if err := validateDocument("control", controlPropError, controlSchema, fmt.Sprintf("/%d", i), item); err != nil {
			return nil, err
		}

		doc := item.(map[string]any)
		ctrl := Control{
			OID:        doc["oid"].(string),
			IsCritical: doc["isCritical"].(bool),
		}
		if v, ok := doc["value"].(string); ok {
			ctrl.Value = v
		}
		result = append(result, ctrl)
	}

	return result, nil
}

// CheckEntryObject validates one entry attribute or a list of them.
func CheckEntryObject(entry any) ([]EntryAttribute, error) {
	items, err := normalizeList("add", entry)
	if err != nil {
		return nil, err
	}

	result := make([]EntryAttribute, 0, len(items))
	for i, item := range items {
		if err := validateDocument("add", entryObjectError, addEntrySchema, fmt.Sprintf("/%d", i), item); err != nil {
			return nil, err
		}

		doc := item.(map[string]any)
		result = append(result, EntryAttribute{
			Attr: doc["attr"].(string),
			Vals: stringList(doc["vals"].([]any)),
		})
	}

	return result, nil
}

// normalizeList converts a caller value into JSON values and wraps a single
// document into a one-element list.
func normalizeList(operation string, v any) ([]any, error) {
	doc, err := toJSONValue(v)
	if err != nil {
		return nil, &ValidationError{
			Operation: operation,
			Message:   "argument is not representable as JSON",
			Cause:     err,
		}
	}

	switch t := doc.(type) {
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

// toJSONValue round-trips v through JSON so schemas see plain documents.
// Raw JSON input is decoded as-is.
func toJSONValue(v any) (any, error) {
	codec := jsoniter.ConfigCompatibleWithStandardLibrary

	var data []byte
	switch t := v.(type) {
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	default:
		b, err := codec.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}

	var doc any
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// validateDocument checks doc against schema. Violation locations are
// reported relative to the caller's argument, starting with location.
func validateDocument(operation, message string, schema *jsonschema.Schema, location string, doc any) error {
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}

	verr := &ValidationError{
		Operation: operation,
		Message:   message,
		Cause:     err,
	}

	if ve, ok := err.(*jsonschema.ValidationError); ok {
		collectViolations(ve, location, &verr.Violations)
	}

	return verr
}

// collectViolations flattens the leaves of a schema error tree.
func collectViolations(ve *jsonschema.ValidationError, prefix string, out *[]Violation) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Violation{
			InstanceLocation: prefix + ve.InstanceLocation,
			Message:          ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectViolations(cause, prefix, out)
	}
}

func stringList(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.(string)
	}
	return out
}
