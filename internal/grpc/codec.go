package grpc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
)

// Request and response field names shared with the HTTP mirror.
const (
	FieldStates  = "states"
	FieldNominal = "nominal"
	FieldActions = "actions"
	FieldH       = "h"
)

var errMissingField = errors.New("missing field")

// DecodeStates reads the states field as a list of state rows.
func DecodeStates(msg *structpb.Struct) ([][]float64, error) {
	value, ok := msg.GetFields()[FieldStates]
	if !ok {
		return nil, fmt.Errorf("%s: %w", FieldStates, errMissingField)
	}
	if value.GetListValue() == nil {
		return nil, fmt.Errorf("%s must be a list of rows", FieldStates)
	}
	rows := value.GetListValue().GetValues()
	states := make([][]float64, len(rows))
	for i, row := range rows {
		list := row.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%s[%d] must be a list of numbers", FieldStates, i)
		}
		states[i] = make([]float64, len(list.GetValues()))
		for j, v := range list.GetValues() {
			num, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("%s[%d][%d] must be a number", FieldStates, i, j)
			}
			states[i][j] = num.NumberValue
		}
	}
	return states, nil
}

// DecodeNominal reads the nominal field as joint action indices.
func DecodeNominal(msg *structpb.Struct) ([]int, error) {
	value, ok := msg.GetFields()[FieldNominal]
	if !ok {
		return nil, fmt.Errorf("%s: %w", FieldNominal, errMissingField)
	}
	list := value.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list of indices", FieldNominal)
	}
	out := make([]int, len(list.GetValues()))
	for i, v := range list.GetValues() {
		num, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || num.NumberValue != math.Trunc(num.NumberValue) || num.NumberValue < 0 {
			return nil, fmt.Errorf("%s[%d] must be a non-negative integer", FieldNominal, i)
		}
		out[i] = int(num.NumberValue)
	}
	return out, nil
}

// EncodeStates builds a request message from state rows and optional nominal indices.
func EncodeStates(states [][]float64, nominal []int) (*structpb.Struct, error) {
	rows := make([]any, len(states))
	for i, row := range states {
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		rows[i] = values
	}
	fields := map[string]any{FieldStates: rows}
	if nominal != nil {
		fields[FieldNominal] = intsToAny(nominal)
	}
	return structpb.NewStruct(fields)
}

// EncodeActions builds a ChooseU response.
func EncodeActions(actions []int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{FieldActions: intsToAny(actions)})
}

// DecodeActions reads a ChooseU response.
func DecodeActions(msg *structpb.Struct) ([]int, error) {
	list := msg.GetFields()[FieldActions].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s: %w", FieldActions, errMissingField)
	}
	out := make([]int, len(list.GetValues()))
	for i, v := range list.GetValues() {
		out[i] = int(v.GetNumberValue())
	}
	return out, nil
}

// EncodeH builds a CalcH response.
func EncodeH(h []float64) (*structpb.Struct, error) {
	values := make([]any, len(h))
	for i, v := range h {
		values[i] = v
	}
	return structpb.NewStruct(map[string]any{FieldH: values})
}

// DecodeH reads a CalcH response.
func DecodeH(msg *structpb.Struct) ([]float64, error) {
	list := msg.GetFields()[FieldH].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s: %w", FieldH, errMissingField)
	}
	out := make([]float64, len(list.GetValues()))
	for i, v := range list.GetValues() {
		out[i] = v.GetNumberValue()
	}
	return out, nil
}

// DescribeFilter renders the filter description as a Struct.
func DescribeFilter(f *barrier.Filter) (*structpb.Struct, error) {
	fields, err := f.Describe()
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func intsToAny(values []int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
