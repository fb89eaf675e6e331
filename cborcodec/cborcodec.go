// Package cborcodec converts between JSON and CBOR for LightDB values
// that use the CBOR content type. It keeps the generic interface-tree
// conversion between the shapes encoding/json and fxamacker/cbor decode
// into, with no dependency on any enum-key remapping or
// canonical-encoding mode.
package cborcodec

import (
	"bytes"
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var compatJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONToCBOR converts a single JSON document into its CBOR encoding.
func JSONToCBOR(jsonBody []byte) ([]byte, error) {
	var intermediate interface{}
	if err := compatJSON.Unmarshal(jsonBody, &intermediate); err != nil {
		return nil, fmt.Errorf("cborcodec: unmarshalling json: %w", err)
	}
	return cbor.Marshal(jsonInterfaceToCBORInterface(intermediate))
}

// CBORToJSON converts a single CBOR document into its JSON encoding.
func CBORToJSON(cborBody []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.NewDecoder(bytes.NewReader(cborBody)).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("cborcodec: unmarshalling cbor: %w", err)
	}
	return compatJSON.Marshal(cborInterfaceToJSONInterface(intermediate))
}

// jsonInterfaceToCBORInterface walks a decoded JSON value tree. CBOR
// supports everything JSON's decode shapes produce as-is, so this is
// mostly identity; it exists as the mirror of cborInterfaceToJSONInterface
// so both directions share the same recursive-walk shape.
func jsonInterfaceToCBORInterface(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch thing := reflect.ValueOf(v); thing.Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, element := range arr {
			arr[i] = jsonInterfaceToCBORInterface(element)
		}
		return arr
	case reflect.Map:
		m := v.(map[string]interface{})
		result := make(map[interface{}]interface{}, len(m))
		for k, val := range m {
			result[k] = jsonInterfaceToCBORInterface(val)
		}
		return result
	default:
		return v
	}
}

// cborInterfaceToJSONInterface walks a decoded CBOR value tree and folds
// CBOR's map[interface{}]interface{} maps down into JSON-legal
// map[string]interface{}, since JSON does not allow non-string keys.
func cborInterfaceToJSONInterface(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch thing := reflect.ValueOf(v); thing.Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, element := range arr {
			arr[i] = cborInterfaceToJSONInterface(element)
		}
		return arr
	case reflect.Map:
		m := v.(map[interface{}]interface{})
		result := make(map[string]interface{}, len(m))
		for k, val := range m {
			result[keyToString(k)] = cborInterfaceToJSONInterface(val)
		}
		return result
	default:
		return v
	}
}

func keyToString(k interface{}) string {
	switch kv := k.(type) {
	case string:
		return kv
	default:
		return fmt.Sprintf("%v", kv)
	}
}
