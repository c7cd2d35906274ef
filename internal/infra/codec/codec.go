// Package codec — JSON-кодек приложения. Основной путь идёт через goccy/go-json,
// детерминированная форма (MarshalSorted) приводится к RFC 8785 и используется
// там, где байты служат ключом кеша.
package codec

import (
	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/go-faster/errors"
	json "github.com/goccy/go-json"
)

// Marshal кодирует v в JSON.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json")
	}
	return data, nil
}

// Unmarshal декодирует JSON в v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal json")
	}
	return nil
}

// MarshalSorted кодирует v в канонический JSON: ключи отсортированы,
// числа и строки приведены к единой форме.
func MarshalSorted(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize json")
	}
	return canonical, nil
}

// MarshalString — Marshal с результатом в виде строки (для TEXT-колонок и KV).
func MarshalString(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
