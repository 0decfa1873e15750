package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/tributary-data/tributary/fault"
)

// parquetMagic is the 4-byte header of every Parquet file, used to detect
// raw object content (Parquet vs a JSON array).
var parquetMagic = []byte("PAR1")

// columnKind is the inferred Arrow type of one column.
type columnKind int

const (
	kindString columnKind = iota
	kindFloat
	kindBool
)

// EncodeParquet serializes records as a snappy-compressed Parquet file.
// The schema is inferred from the union of record keys: columns whose
// non-null values are uniformly numeric or boolean keep that type, and
// everything else (strings, timestamps, nested objects) lands as a string
// column. All columns are nullable.
func EncodeParquet(records []map[string]interface{}) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("refusing to encode an empty record set")
	}

	var names, kinds = inferColumns(records)

	var fields = make([]arrow.Field, len(names))
	for i, name := range names {
		var typ arrow.DataType
		switch kinds[i] {
		case kindFloat:
			typ = arrow.PrimitiveTypes.Float64
		case kindBool:
			typ = arrow.FixedWidthTypes.Boolean
		default:
			typ = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: name, Type: typ, Nullable: true}
	}
	var schema = arrow.NewSchema(fields, nil)

	var builder = array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for _, record := range records {
		for i, name := range names {
			var value, ok = record[name]
			if !ok || value == nil {
				builder.Field(i).AppendNull()
				continue
			}
			switch kinds[i] {
			case kindFloat:
				builder.Field(i).(*array.Float64Builder).Append(value.(float64))
			case kindBool:
				builder.Field(i).(*array.BooleanBuilder).Append(value.(bool))
			default:
				builder.Field(i).(*array.StringBuilder).Append(stringify(value))
			}
		}
	}

	var rec = builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	var props = parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}
	if err = writer.Write(rec); err != nil {
		return nil, fmt.Errorf("writing parquet record batch: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecords parses an object body into records. Parquet is detected by
// its magic bytes; anything else must be a JSON array of objects, which is
// the source API's native response shape.
func DecodeRecords(ctx context.Context, body []byte) ([]map[string]interface{}, error) {
	if bytes.HasPrefix(body, parquetMagic) {
		return decodeParquet(ctx, body)
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fault.Wrap(fault.KindDataFormatError, err, "object is neither parquet nor a JSON array")
	}
	return records, nil
}

func decodeParquet(ctx context.Context, body []byte) ([]map[string]interface{}, error) {
	reader, err := file.NewParquetReader(bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindDataFormatError, err, "opening parquet reader")
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fault.Wrap(fault.KindDataFormatError, err, "opening arrow reader")
	}
	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindDataFormatError, err, "reading parquet table")
	}
	defer table.Release()

	var numRows = int(table.NumRows())
	var records = make([]map[string]interface{}, numRows)
	for i := range records {
		records[i] = make(map[string]interface{})
	}

	for col := 0; col < int(table.NumCols()); col++ {
		var name = table.Schema().Field(col).Name
		var row = 0
		for _, chunk := range table.Column(col).Data().Chunks() {
			for i := 0; i < chunk.Len(); i++ {
				if chunk.IsNull(i) {
					row++
					continue
				}
				switch arr := chunk.(type) {
				case *array.String:
					records[row][name] = arr.Value(i)
				case *array.Float64:
					records[row][name] = arr.Value(i)
				case *array.Boolean:
					records[row][name] = arr.Value(i)
				case *array.Int64:
					records[row][name] = float64(arr.Value(i))
				default:
					records[row][name] = chunk.ValueStr(i)
				}
				row++
			}
		}
	}
	return records, nil
}

func inferColumns(records []map[string]interface{}) ([]string, []columnKind) {
	var seen = make(map[string]columnKind)
	var conflicted = make(map[string]bool)
	var names []string

	for _, record := range records {
		for key, value := range record {
			if value == nil {
				if _, ok := seen[key]; !ok && !conflicted[key] {
					names = append(names, key)
					conflicted[key] = true // kind unknown so far; string wins below
				}
				continue
			}
			var kind columnKind
			switch value.(type) {
			case float64:
				kind = kindFloat
			case bool:
				kind = kindBool
			default:
				kind = kindString
			}
			prior, ok := seen[key]
			if !ok {
				if !conflicted[key] {
					names = append(names, key)
				}
				seen[key] = kind
				delete(conflicted, key)
			} else if prior != kind {
				seen[key] = kindString
			}
		}
	}

	sort.Strings(names)
	var kinds = make([]columnKind, len(names))
	for i, name := range names {
		kinds[i] = seen[name] // zero value is kindString, covering all-null columns
	}
	return names, kinds
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case float64:
		// A column demoted to string because of mixed types.
		var b, _ = json.Marshal(v)
		return string(b)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		var b, err = json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
