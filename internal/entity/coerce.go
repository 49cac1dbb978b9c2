package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

// Row holds native column values keyed by column name.
type Row map[string]interface{}

// Coerce converts transport values in data into native column values.
// Keys that are not columns of the type are ignored; present keys with
// malformed values fail validation.
func (s Spec) Coerce(data models.Data) (Row, error) {
	row := make(Row, len(data))
	for _, col := range s.AllColumns() {
		raw, ok := data[col.Name]
		if !ok {
			continue
		}
		v, err := coerceValue(col.Kind, raw)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status,
				fmt.Sprintf("%s.%s: %v", s.Type, col.Name, err))
		}
		row[col.Name] = v
	}
	return row, nil
}

// Snapshot converts native values (as returned by a database scan) back into
// their transport form.
func (s Spec) Snapshot(row Row) models.Data {
	data := make(models.Data, len(row))
	for _, col := range s.AllColumns() {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		data[col.Name] = transportValue(col.Kind, v)
	}
	return data
}

func coerceValue(kind Kind, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case KindUUID:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q", s)
		}
		return id.String(), nil
	case KindTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			if v == "" {
				return nil, nil
			}
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q", v)
			}
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("unsupported timestamp value %T", raw)
	case KindInt:
		return asInt(raw)
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", v)
			}
			return b, nil
		case float64:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case int:
			return v != 0, nil
		}
		return nil, fmt.Errorf("unsupported boolean value %T", raw)
	default:
		return asString(raw)
	}
}

func asString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case float64, int, int64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("unsupported string value %T", raw)
}

func asInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("non-integer number %v", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}
		return n, nil
	case []byte:
		return asInt(string(v))
	}
	return 0, fmt.Errorf("unsupported integer value %T", raw)
}

func transportValue(kind Kind, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case time.Time:
		return models.FormatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return models.FormatTime(*val)
	case []byte:
		if kind == KindInt {
			if n, err := asInt(val); err == nil {
				return n
			}
		}
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	}
	return v
}
