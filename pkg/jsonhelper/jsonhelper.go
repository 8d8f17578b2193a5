package jsonhelper

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func Encode[T any](t T) ([]byte, error) {
	return json.Marshal(t)
}

func Decode[T any](b []byte) (T, error) {
	var t T
	err := json.Unmarshal(b, &t)
	return t, err
}

func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
