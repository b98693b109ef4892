package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns lists the "db" tags of T in field order, descending into
// embedded structs. Repositories call it once at package init.
//
//	var subscriptionColumns = ExtractDBColumns[subscriptionRow]()
func ExtractDBColumns[T any]() []string {
	var zero T
	return columnsOf(reflect.TypeOf(zero))
}

func columnsOf(t reflect.Type) []string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var cols []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			cols = append(cols, columnsOf(field.Type)...)
			continue
		}
		if tag := field.Tag.Get("db"); tag != "" && tag != "-" {
			cols = append(cols, tag)
		}
	}
	return cols
}

type taggedField struct {
	index int
	tag   string
}

// rowLayout is the cached field layout of a row type.
type rowLayout struct {
	fields   []taggedField
	embedded []int
}

var layouts sync.Map // reflect.Type -> *rowLayout

func layoutOf(t reflect.Type) *rowLayout {
	if cached, ok := layouts.Load(t); ok {
		return cached.(*rowLayout)
	}

	l := &rowLayout{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			l.embedded = append(l.embedded, i)
			continue
		}
		if tag := field.Tag.Get("db"); tag != "" && tag != "-" {
			l.fields = append(l.fields, taggedField{index: i, tag: tag})
		}
	}

	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*rowLayout)
}

// StructToMap maps the "db" tags of a row struct to field values, for use
// with squirrel SetMap. Non-struct values yield nil.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	l := layoutOf(rv.Type())
	res := make(map[string]any, len(l.fields))
	for _, f := range l.fields {
		res[f.tag] = rv.Field(f.index).Interface()
	}
	for _, idx := range l.embedded {
		for k, val := range StructToMap(rv.Field(idx).Interface()) {
			res[k] = val
		}
	}
	return res
}
