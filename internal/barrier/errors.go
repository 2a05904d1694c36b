package barrier

import "fmt"

// ConfigError reports filter parameters that violate the discretization assumptions.
type ConfigError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid filter config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// ShapeError reports a malformed batch request.
type ShapeError struct {
	Rows    int
	Width   int
	Nominal int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("invalid shape given to choose: %d rows of width %d (want %d) with %d nominal indices",
		e.Rows, e.Width, stateWidth, e.Nominal)
}
