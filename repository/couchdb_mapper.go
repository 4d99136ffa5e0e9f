package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-resty/resty/v2"
)

/**
* Object Mapper (from a repository response to object)
* accepts couchdb resty responses and raw documents from Find or the memory repository
**/

func MapToObject(resp interface{}, obj interface{}) error {
	var data []byte
	switch r := resp.(type) {
	case *resty.Response:
		data = r.Body()
	case json.RawMessage:
		data = r
	case []byte:
		data = r
	default:
		return errors.New("resp is not a repository response")
	}

	// Check if obj is a pointer to a struct
	val := reflect.ValueOf(obj)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.New("obj is not a pointer to a struct")
	}

	err := json.Unmarshal(data, obj)
	if err != nil {
		return fmt.Errorf("%s cannot be mapped to the given object", data)
	}
	return nil
}
